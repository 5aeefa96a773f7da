package realtime

import (
	"net/http"
	"strings"
)

// TokenMethod records how a connection credential was delivered.
type TokenMethod string

const (
	// TokenMethodHeader is an Authorization: Bearer header.
	TokenMethodHeader TokenMethod = "header"
	// TokenMethodSubprotocol is a WebSocket subprotocol entry.
	TokenMethodSubprotocol TokenMethod = "subprotocol"
	// TokenMethodQuery is a ?token= query parameter, retained for backward
	// compatibility only.
	TokenMethodQuery TokenMethod = "query"
	// TokenMethodNone means no credential was present.
	TokenMethodNone TokenMethod = ""
)

const (
	bearerPrefix          = "Bearer "
	subprotocolAuthPrefix = "auth."
	queryTokenParameter   = "token"
)

// TokenExtraction is the outcome of credential extraction.
type TokenExtraction struct {
	Token  string
	Method TokenMethod
}

// ExtractToken pulls a bearer credential from an incoming connection request.
// Precedence is fixed: Authorization header, then WebSocket subprotocol
// (an "auth."-prefixed entry wins, otherwise the first entry is taken as the
// token), then the deprecated ?token= query parameter. The function is pure;
// absence of a credential is reported, not treated as an error.
func ExtractToken(request *http.Request) TokenExtraction {
	if request == nil {
		return TokenExtraction{}
	}

	header := request.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if token != "" {
			return TokenExtraction{Token: token, Method: TokenMethodHeader}
		}
	}

	if token := tokenFromSubprotocols(request); token != "" {
		return TokenExtraction{Token: token, Method: TokenMethodSubprotocol}
	}

	if token := strings.TrimSpace(request.URL.Query().Get(queryTokenParameter)); token != "" {
		return TokenExtraction{Token: token, Method: TokenMethodQuery}
	}

	return TokenExtraction{}
}

func tokenFromSubprotocols(request *http.Request) string {
	protocols := requestSubprotocols(request)
	if len(protocols) == 0 {
		return ""
	}
	for _, protocol := range protocols {
		if strings.HasPrefix(protocol, subprotocolAuthPrefix) {
			if token := strings.TrimPrefix(protocol, subprotocolAuthPrefix); token != "" {
				return token
			}
		}
	}
	return protocols[0]
}

// requestSubprotocols parses the Sec-WebSocket-Protocol header, which may be
// sent either as a single comma-separated value or as repeated headers.
func requestSubprotocols(request *http.Request) []string {
	values := request.Header.Values("Sec-Websocket-Protocol")
	protocols := make([]string, 0, len(values))
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				protocols = append(protocols, trimmed)
			}
		}
	}
	return protocols
}
