package onviflisten

import (
	"context"
	"encoding/xml"
	"net/url"
	"strings"

	"github.com/technosupport/camguard/internal/apperr"
	"github.com/technosupport/camguard/internal/onvifsoap"
)

// Capabilities records the three booleans GetServiceCapabilities reports.
type Capabilities struct {
	BasicNotificationInterface bool
	PullPoint                  bool
	PersistentNotification     bool
}

// CheckCapabilities issues GetServiceCapabilities against the events
// service path.
func CheckCapabilities(ctx context.Context, client *onvifsoap.Client, eventsPath string) (Capabilities, error) {
	body := `<GetServiceCapabilities xmlns="http://www.onvif.org/ver10/events/wsdl"/>`
	resp, err := client.Call(ctx, eventsPath, "http://www.onvif.org/ver10/events/wsdl/EventPortType/GetServiceCapabilitiesRequest", body)
	if err != nil {
		return Capabilities{}, err
	}

	var parsed struct {
		Body struct {
			GetServiceCapabilitiesResponse struct {
				Capabilities struct {
					WSSubscriptionPolicySupport   bool `xml:"WSSubscriptionPolicySupport,attr"`
					WSPullPointSupport            bool `xml:"WSPullPointSupport,attr"`
					PersistentNotificationStorage bool `xml:"PersistentNotificationStorage,attr"`
				} `xml:"Capabilities"`
			} `xml:"GetServiceCapabilitiesResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return Capabilities{}, apperr.Wrap(apperr.ProtocolError, "malformed capabilities response", err)
	}

	caps := parsed.Body.GetServiceCapabilitiesResponse.Capabilities
	return Capabilities{
		BasicNotificationInterface: caps.WSSubscriptionPolicySupport,
		PullPoint:                  caps.WSPullPointSupport,
		PersistentNotification:     caps.PersistentNotificationStorage,
	}, nil
}

// subscriptionBodyVariants are tried in order by CreatePullPointSubscription:
// Dahua-style PT600S, standard PT1H, empty body, filtered PT60M, and a
// no-namespace-prefix variant.
var subscriptionBodyVariants = []string{
	`<CreatePullPointSubscription xmlns="http://www.onvif.org/ver10/events/wsdl"><InitialTerminationTime>PT600S</InitialTerminationTime></CreatePullPointSubscription>`,
	`<CreatePullPointSubscription xmlns="http://www.onvif.org/ver10/events/wsdl"><InitialTerminationTime>PT1H</InitialTerminationTime></CreatePullPointSubscription>`,
	`<CreatePullPointSubscription xmlns="http://www.onvif.org/ver10/events/wsdl"/>`,
	`<CreatePullPointSubscription xmlns="http://www.onvif.org/ver10/events/wsdl"><Filter/><InitialTerminationTime>PT60M</InitialTerminationTime></CreatePullPointSubscription>`,
	`<CreatePullPointSubscription><InitialTerminationTime>PT600S</InitialTerminationTime></CreatePullPointSubscription>`,
}

// CreatePullPointSubscription tries each body variant in order, returning
// the SubscriptionReference address of the first one that succeeds. A fault
// mentioning subscription limits aborts immediately without trying further
// variants.
func CreatePullPointSubscription(ctx context.Context, client *onvifsoap.Client, eventsPath string) (reference string, err error) {
	action := "http://www.onvif.org/ver10/events/wsdl/EventPortType/CreatePullPointSubscriptionRequest"

	for _, body := range subscriptionBodyVariants {
		resp, callErr := client.Call(ctx, eventsPath, action, body)
		if callErr != nil {
			if apperr.Is(callErr, apperr.ProtocolError) && mentionsSubscriptionLimit(callErr.Error()) {
				return "", apperr.New(apperr.SubscriptionLimit, "camera subscription limit reached")
			}
			continue
		}

		ref, parseErr := extractSubscriptionReference(resp)
		if parseErr != nil || ref == "" {
			continue
		}
		return ref, nil
	}

	return "", apperr.New(apperr.ProtocolError, "no CreatePullPointSubscription body variant succeeded")
}

func mentionsSubscriptionLimit(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "limit") || strings.Contains(lower, "maximum")
}

func extractSubscriptionReference(resp []byte) (string, error) {
	var parsed struct {
		Body struct {
			CreatePullPointSubscriptionResponse struct {
				SubscriptionReference struct {
					Address string `xml:"Address"`
				} `xml:"SubscriptionReference"`
			} `xml:"CreatePullPointSubscriptionResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", err
	}
	return parsed.Body.CreatePullPointSubscriptionResponse.SubscriptionReference.Address, nil
}

// pullMessagesBodyVariants are tried on first use per camera; the winner is
// cached on the Listener.
var pullMessagesBodyVariants = []string{
	`<PullMessages xmlns="http://www.onvif.org/ver10/events/wsdl"><Timeout>PT5S</Timeout><MessageLimit>100</MessageLimit></PullMessages>`,
	`<tev:PullMessages xmlns:tev="http://www.onvif.org/ver10/events/wsdl"><tev:Timeout>PT5S</tev:Timeout><tev:MessageLimit>100</tev:MessageLimit></tev:PullMessages>`,
	`<PullMessages><Timeout>PT5S</Timeout><MessageLimit>100</MessageLimit></PullMessages>`,
}

// PullMessages issues one poll against subscriptionRef using bodyIndex (a
// cached winning variant, or -1 to try all from the start). An absolute
// reference URL is reduced to its path and query before the call.
func PullMessages(ctx context.Context, client *onvifsoap.Client, subscriptionPath string, bodyIndex int) (resp []byte, winningIndex int, err error) {
	action := "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesRequest"
	if u, perr := url.Parse(subscriptionPath); perr == nil && u.IsAbs() {
		subscriptionPath = u.RequestURI()
	}

	if bodyIndex >= 0 && bodyIndex < len(pullMessagesBodyVariants) {
		resp, err = client.Call(ctx, subscriptionPath, action, pullMessagesBodyVariants[bodyIndex])
		if err == nil {
			return resp, bodyIndex, nil
		}
		if isInvalidOrNotFoundFault(err) {
			return nil, -1, err
		}
	}

	for i, body := range pullMessagesBodyVariants {
		resp, callErr := client.Call(ctx, subscriptionPath, action, body)
		if callErr != nil {
			if isInvalidOrNotFoundFault(callErr) {
				return nil, -1, callErr
			}
			continue
		}
		return resp, i, nil
	}

	return nil, -1, apperr.New(apperr.ProtocolError, "no PullMessages body variant succeeded")
}

func isInvalidOrNotFoundFault(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "invalid") || strings.Contains(lower, "not found")
}
