// Package onvifsoap is a signed SOAP request/response client for ONVIF
// cameras, with per-camera auth-method discovery and caching.
//
// The WS-Security digest hashes the raw 16 random nonce bytes, not their
// base64 text: the nonce stays []byte end to end and is only
// base64-encoded for the wire. Several firmwares reject the digest
// otherwise.
package onvifsoap

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/camguard/internal/apperr"
	"github.com/technosupport/camguard/internal/rtspauth"
)

const callTimeout = 10 * time.Second

// Client issues SOAP calls against one camera's ONVIF services, caching the
// first auth method that succeeds.
type Client struct {
	Host     string
	Port     int
	Username string
	Password string

	httpCli *http.Client

	mu    sync.Mutex
	state authState

	// digestChallenge is populated once we've seen a 401 WWW-Authenticate
	// from this camera, so subsequent Digest-using methods don't need an
	// extra round trip to learn realm/nonce.
	digestChallenge *rtspauth.Challenge
}

func New(host string, port int, username, password string) *Client {
	return &Client{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		httpCli:  &http.Client{Timeout: callTimeout},
		state:    discoveringState{},
	}
}

// soapHeader models the header fields used to build the envelope below;
// the envelope itself is assembled as a string rather than via xml.Marshal
// since ONVIF firmware is picky about namespace prefixes (see the
// hand-written envelope string in buildEnvelope).
type soapHeader struct {
	MessageID string        `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing MessageID"`
	To        string        `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing To"`
	Action    string        `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing Action"`
	Security  *wsseSecurity `xml:"http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd Security,omitempty"`
}

type wsseSecurity struct {
	UsernameToken wsseUsernameToken `xml:"UsernameToken"`
}

type wsseUsernameToken struct {
	Username string `xml:"Username"`
	Password wssePassword `xml:"Password"`
	Nonce    string `xml:"Nonce"`
	Created  string `xml:"http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd Created"`
}

type wssePassword struct {
	Type string `xml:"Type,attr"`
	Text string `xml:",chardata"`
}

const (
	wsseDigestType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	wsseTextType   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"
)

// Call performs a SOAP action against path (e.g. "/onvif/events"), trying
// auth methods in order until one succeeds, and caching the winner for
// subsequent calls on this Client.
func (c *Client) Call(ctx context.Context, path, action, bodyXML string) ([]byte, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if est, ok := state.(establishedState); ok {
		resp, fault, err := c.attempt(ctx, path, action, bodyXML, est.method)
		if err == nil && !fault {
			return resp, nil
		}
		if err != nil && !apperr.Is(err, apperr.AuthFailed) {
			// Non-auth faults and transport errors abort; only an
			// auth-equivalent failure means the established method stopped
			// working, in which case we fall through to rediscover.
			return nil, err
		}
	}

	for _, m := range orderedMethods {
		resp, fault, err := c.attempt(ctx, path, action, bodyXML, m)
		if err != nil {
			if apperr.Is(err, apperr.AuthFailed) {
				continue
			}
			return nil, err
		}
		if fault {
			continue
		}
		c.mu.Lock()
		c.state = establishedState{method: m}
		c.mu.Unlock()
		return resp, nil
	}

	c.mu.Lock()
	c.state = exhaustedState{}
	c.mu.Unlock()
	return nil, apperr.New(apperr.AuthFailed, "no ONVIF auth method succeeded")
}

// attempt performs one SOAP call with one auth method. fault=true means the
// call round-tripped but the response was an auth-equivalent SOAP fault.
func (c *Client) attempt(ctx context.Context, path, action, bodyXML string, method AuthMethod) (resp []byte, fault bool, err error) {
	url := fmt.Sprintf("http://%s:%d%s", c.Host, c.Port, path)

	envelope, err := c.buildEnvelope(action, bodyXML, method)
	if err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8`)
	if action != "" {
		req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action))
	}

	if method.usesHTTPDigest() && c.digestChallenge != nil {
		header := rtspauth.DigestHeader(http.MethodPost, path, c.Username, c.Password, *c.digestChallenge)
		req.Header.Set("Authorization", header)
	}

	httpResp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.NetworkUnreachable, "onvif request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized {
		if challenge := rtspauth.ParseChallenge(httpResp.Header.Get("WWW-Authenticate")); challenge.Scheme == "Digest" {
			c.digestChallenge = &challenge
			if method.usesHTTPDigest() && req.Header.Get("Authorization") == "" {
				// retry once now that we have the real challenge.
				return c.attempt(ctx, path, action, bodyXML, method)
			}
		}
		return nil, false, apperr.New(apperr.AuthFailed, "http 401")
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, false, err
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, false, apperr.New(apperr.ProtocolError, fmt.Sprintf("status %d", httpResp.StatusCode))
	}

	if reason, isFault := extractFaultReason(body); isFault {
		if isAuthFaultReason(reason) {
			return nil, true, nil
		}
		return nil, false, apperr.New(apperr.ProtocolError, "soap fault: "+reason)
	}

	return body, false, nil
}

func (c *Client) buildEnvelope(action, bodyXML string, method AuthMethod) ([]byte, error) {
	header := soapHeader{
		MessageID: "urn:uuid:" + uuid.NewString(),
		To:        fmt.Sprintf("http://%s:%d/onvif/device_service", c.Host, c.Port),
		Action:    action,
	}

	if method.usesWSSecurity() {
		sec, err := c.buildWSSecurity(method)
		if err != nil {
			return nil, err
		}
		header.Security = sec
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString(`<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing" xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd" xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">`)
	buf.WriteString(`<soap:Header>`)
	fmt.Fprintf(&buf, `<wsa:MessageID>%s</wsa:MessageID>`, header.MessageID)
	fmt.Fprintf(&buf, `<wsa:To>%s</wsa:To>`, header.To)
	fmt.Fprintf(&buf, `<wsa:Action>%s</wsa:Action>`, header.Action)
	if header.Security != nil {
		buf.WriteString(`<wsse:Security soap:mustUnderstand="true"><wsse:UsernameToken>`)
		fmt.Fprintf(&buf, `<wsse:Username>%s</wsse:Username>`, header.Security.UsernameToken.Username)
		fmt.Fprintf(&buf, `<wsse:Password Type="%s">%s</wsse:Password>`, header.Security.UsernameToken.Password.Type, header.Security.UsernameToken.Password.Text)
		fmt.Fprintf(&buf, `<wsse:Nonce>%s</wsse:Nonce>`, header.Security.UsernameToken.Nonce)
		fmt.Fprintf(&buf, `<wsu:Created>%s</wsu:Created>`, header.Security.UsernameToken.Created)
		buf.WriteString(`</wsse:UsernameToken></wsse:Security>`)
	}
	buf.WriteString(`</soap:Header>`)
	buf.WriteString(`<soap:Body>`)
	buf.WriteString(bodyXML)
	buf.WriteString(`</soap:Body></soap:Envelope>`)

	return buf.Bytes(), nil
}

func (c *Client) buildWSSecurity(method AuthMethod) (*wsseSecurity, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	created := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var passwordType, passwordText string
	if method.wsSecurityPasswordText() {
		passwordType = wsseTextType
		passwordText = c.Password
	} else {
		passwordType = wsseDigestType
		passwordText = computePasswordDigest(nonce, created, c.Password)
	}

	return &wsseSecurity{
		UsernameToken: wsseUsernameToken{
			Username: c.Username,
			Password: wssePassword{Type: passwordType, Text: passwordText},
			Nonce:    base64.StdEncoding.EncodeToString(nonce),
			Created:  created,
		},
	}, nil
}

// computePasswordDigest is
// base64(SHA1(nonce_bytes ++ created_bytes ++ password_bytes)). Hashing
// the nonce's base64 text instead of its raw bytes is a common client bug
// that most firmware rejects.
func computePasswordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

type faultBody struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault struct {
			Reason struct {
				Text string `xml:"Text"`
			} `xml:"Reason"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

func extractFaultReason(body []byte) (reason string, isFault bool) {
	if !bytes.Contains(body, []byte("Fault")) {
		return "", false
	}
	var f faultBody
	if err := xml.Unmarshal(body, &f); err != nil {
		return "", false
	}
	if f.Body.Fault.Reason.Text == "" {
		return "", false
	}
	return f.Body.Fault.Reason.Text, true
}

func isAuthFaultReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, kw := range []string{"not authorized", "password", "authentication", "credentials", "unauthorized"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
