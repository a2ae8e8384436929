// Package rtspprobe sends a single RTSP DESCRIBE over one reused TCP
// connection, retrying on the same socket with Basic or Digest credentials
// after a 401. Many firmwares bind the Digest nonce to the TCP connection,
// so reconnecting between the challenge and the retry would invalidate it.
package rtspprobe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/technosupport/camguard/internal/apperr"
	"github.com/technosupport/camguard/internal/rtspauth"
)

// Result is the outcome of a single probe.
type Result struct {
	OK           bool
	Message      string
	RequiresAuth bool
	AuthType     string
	StatusCode   int
	Outcome      string
}

// Probe parses rawURL, opens one TCP connection, and performs a DESCRIBE
// (retrying once on the same socket if challenged with 401 and credentials
// were supplied in the URL).
func Probe(ctx context.Context, rawURL string, timeout time.Duration) (Result, error) {
	host, port, path, user, pass, err := parseRTSPURL(rawURL)
	if err != nil {
		return Result{Outcome: "invalid_url"}, apperr.Wrap(apperr.InvalidInput, "invalid rtsp url", err)
	}

	if timeout <= 0 {
		return Result{Outcome: "timeout"}, apperr.New(apperr.Timeout, "timeout")
	}

	dialer := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isRefused(err) {
			return Result{Outcome: "connection_refused"}, apperr.Wrap(apperr.NetworkUnreachable, "connection refused", err)
		}
		if isTimeout(err) {
			return Result{Outcome: "timeout"}, apperr.Wrap(apperr.Timeout, "connect timeout", err)
		}
		return Result{Outcome: fmt.Sprintf("error(%s)", truncate(err.Error(), 200))}, apperr.Wrap(apperr.NetworkUnreachable, "connect failed", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	fullURI := fmt.Sprintf("rtsp://%s/%s", addr, strings.TrimPrefix(path, "/"))

	status, headers, err := describe(conn, fullURI, 1, "")
	if err != nil {
		if isTimeout(err) {
			return Result{Outcome: "timeout"}, apperr.Wrap(apperr.Timeout, "read timeout", err)
		}
		return Result{Outcome: fmt.Sprintf("error(%s)", truncate(err.Error(), 200))}, apperr.Wrap(apperr.ProtocolError, "describe failed", err)
	}

	if status == 200 {
		return Result{OK: true, RequiresAuth: false, StatusCode: 200, Outcome: "ok", Message: "describe succeeded"}, nil
	}

	if status == 401 {
		if user == "" && pass == "" {
			return Result{OK: false, RequiresAuth: true, StatusCode: 401, Outcome: "auth_failed", Message: "authentication required"}, nil
		}

		challenge := rtspauth.ParseChallenge(headers["www-authenticate"])
		var authHeader string
		if strings.EqualFold(challenge.Scheme, "Digest") {
			authHeader = rtspauth.DigestHeader("DESCRIBE", path, user, pass, challenge)
		} else {
			authHeader = rtspauth.BasicHeader(user, pass)
		}

		conn.SetDeadline(time.Now().Add(timeout))
		status2, _, err := describe(conn, fullURI, 2, authHeader)
		if err != nil {
			if isTimeout(err) {
				return Result{Outcome: "timeout"}, apperr.Wrap(apperr.Timeout, "read timeout", err)
			}
			return Result{Outcome: fmt.Sprintf("error(%s)", truncate(err.Error(), 200))}, apperr.Wrap(apperr.ProtocolError, "describe retry failed", err)
		}

		if status2 == 200 {
			return Result{OK: true, RequiresAuth: true, AuthType: challenge.Scheme, StatusCode: 200, Outcome: "ok", Message: "describe succeeded after auth"}, nil
		}
		return classifyFinal(status2), nil
	}

	return classifyFinal(status), nil
}

func classifyFinal(status int) Result {
	switch status {
	case 403:
		return Result{Outcome: "access_denied", StatusCode: status, Message: "access denied"}
	case 404:
		return Result{Outcome: "not_found", StatusCode: status, Message: "not found"}
	default:
		return Result{Outcome: fmt.Sprintf("status_%d", status), StatusCode: status, Message: fmt.Sprintf("unexpected status %d", status)}
	}
}

// describe sends one DESCRIBE request and parses the status line + headers
// of the single response.
func describe(conn net.Conn, fullURI string, cseq int, authHeader string) (int, map[string]string, error) {
	var req strings.Builder
	fmt.Fprintf(&req, "DESCRIBE %s RTSP/1.0\r\n", fullURI)
	fmt.Fprintf(&req, "CSeq: %d\r\n", cseq)
	req.WriteString("User-Agent: camguard-agent/1.0\r\n")
	req.WriteString("Accept: application/sdp\r\n")
	if authHeader != "" {
		fmt.Fprintf(&req, "Authorization: %s\r\n", authHeader)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return 0, nil, err
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return 0, nil, err
	}

	status, err := parseStatusLine(statusLine)
	if err != nil {
		return 0, nil, err
	}

	headers := map[string]string{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
	}

	return status, headers, nil
}

func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	return strconv.Atoi(fields[1])
}

// parseRTSPURL parses rtsp://[user:pass@]host[:port][/path], applying the
// port-554/path-"/" defaults.
func parseRTSPURL(raw string) (host string, port int, path string, user, pass string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, "", "", "", err
	}
	if u.Scheme != "rtsp" {
		return "", 0, "", "", "", fmt.Errorf("scheme must be rtsp, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", 0, "", "", "", fmt.Errorf("missing host")
	}

	port = 554
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, "", "", "", fmt.Errorf("invalid port %q", p)
		}
	}

	path = u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	return u.Hostname(), port, path, user, pass, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func isRefused(err error) bool {
	return strings.Contains(err.Error(), "refused")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
