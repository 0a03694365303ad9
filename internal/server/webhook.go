package server

import (
	"fmt"
	"net/http"

	twclient "github.com/twilio/twilio-go/client"
)

// twimlTemplate connects the inbound call to the media-stream endpoint. The
// stream URL is filled with the configured public host.
const twimlTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="wss://%s/media-stream"/>
    </Connect>
</Response>`

// handleTwiML answers the inbound-call webhook with TwiML that bridges the
// call onto the media-stream WebSocket. When a webhook auth token is
// configured, the X-Twilio-Signature header is validated first.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	cfg := s.current()

	if token := cfg.Webhook.AuthToken; token != "" {
		if !validSignature(r, token) {
			s.log.Warn("webhook signature validation failed", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	host := cfg.Server.PublicHost
	if host == "" {
		host = r.Host
	}

	s.log.Info("inbound call webhook",
		"call_sid", r.FormValue("CallSid"),
		"from", r.FormValue("From"),
		"to", r.FormValue("To"))

	w.Header().Set("Content-Type", "application/xml")
	if _, err := fmt.Fprintf(w, twimlTemplate, host); err != nil {
		s.log.Warn("failed to write TwiML response", "err", err)
	}
}

// validSignature checks the X-Twilio-Signature header against the request
// URL and form parameters.
func validSignature(r *http.Request, token string) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	url := scheme + "://" + r.Host + r.URL.RequestURI()

	validator := twclient.NewRequestValidator(token)
	return validator.Validate(url, params, sig)
}
