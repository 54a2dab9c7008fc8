package links

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/provpn/backend/internal/xui"
)

// DirectLinkInput carries everything needed to reconstruct a connection
// link without the panel's subscription service
type DirectLinkInput struct {
	Inbound  *xui.Inbound
	ClientID string // uuid for vless/vmess, password for trojan/shadowsocks
	Name     string
	BaseURL  string // panel base URL, fallback source for the public host
}

// BuildDirect assembles a connection link straight from the inbound's
// stream settings. The inbound's protocol decides the link format.
func BuildDirect(input DirectLinkInput) (string, error) {
	if input.Inbound == nil {
		return "", errors.New("no inbound to build a link from")
	}
	if input.ClientID == "" {
		return "", errors.New("no client identity to build a link from")
	}

	stream := parseStream(input.Inbound.StreamSettings)
	host, port := endpoint(input.BaseURL, input.Inbound, stream)
	if host == "" || port <= 0 {
		return "", fmt.Errorf("cannot resolve public endpoint for inbound %d", input.Inbound.ID)
	}

	fragment := url.PathEscape(input.Name)

	switch strings.ToLower(input.Inbound.Protocol) {
	case "vless":
		params := url.Values{}
		params.Set("type", stream.Network)
		params.Set("security", stream.Security)
		params.Set("encryption", "none")
		applyStreamParams(params, stream)
		applySecurityParams(params, stream)
		return fmt.Sprintf("vless://%s@%s:%d?%s#%s", input.ClientID, host, port, params.Encode(), fragment), nil

	case "trojan":
		params := url.Values{}
		params.Set("type", stream.Network)
		params.Set("security", stream.Security)
		applyStreamParams(params, stream)
		applySecurityParams(params, stream)
		return fmt.Sprintf("trojan://%s@%s:%d?%s#%s", input.ClientID, host, port, params.Encode(), fragment), nil

	case "shadowsocks":
		method := parseInboundMethod(input.Inbound.Settings)
		userinfo := base64.RawURLEncoding.EncodeToString([]byte(method + ":" + input.ClientID))
		return fmt.Sprintf("ss://%s@%s:%d#%s", userinfo, host, port, fragment), nil

	case "vmess":
		return buildVmess(input, stream, host, port, fragment)

	default:
		return "", fmt.Errorf("no direct link format for protocol %s", input.Inbound.Protocol)
	}
}

// vmessDoc is the vmess link payload, base64 of compact JSON
type vmessDoc struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port string `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Scy  string `json:"scy"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
}

func buildVmess(input DirectLinkInput, stream streamSettings, host string, port int, fragment string) (string, error) {
	params := url.Values{}
	applyStreamParams(params, stream)
	applySecurityParams(params, stream)

	path := params.Get("path")
	if path == "" {
		path = params.Get("serviceName")
	}
	headerType := params.Get("headerType")
	if headerType == "" {
		headerType = "none"
	}
	tlsFlag := ""
	if stream.Security == "tls" || stream.Security == "reality" {
		tlsFlag = "tls"
	}

	doc := vmessDoc{
		V:    "2",
		PS:   input.Name,
		Add:  host,
		Port: strconv.Itoa(port),
		ID:   input.ClientID,
		Aid:  "0",
		Scy:  "auto",
		Net:  stream.Network,
		Type: headerType,
		Host: params.Get("host"),
		Path: path,
		TLS:  tlsFlag,
		SNI:  params.Get("sni"),
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(raw), nil
}

// firstString accepts a JSON string or array of strings, keeping the
// first non-empty value. Panel exports use both shapes.
type firstString string

func (f *firstString) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = firstString(strings.TrimSpace(single))
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, item := range list {
			if value := strings.TrimSpace(item); value != "" {
				*f = firstString(value)
				break
			}
		}
	}
	// unknown shapes degrade to empty, the link just carries fewer params
	return nil
}

type externalProxy struct {
	Dest string `json:"dest"`
	Port int    `json:"port"`
}

type streamSettings struct {
	Network       string          `json:"network"`
	Security      string          `json:"security"`
	ExternalProxy []externalProxy `json:"externalProxy"`

	TCPSettings struct {
		Header struct {
			Type    string `json:"type"`
			Request struct {
				Path    firstString `json:"path"`
				Headers struct {
					Host firstString `json:"Host"`
				} `json:"headers"`
			} `json:"request"`
		} `json:"header"`
	} `json:"tcpSettings"`

	WSSettings struct {
		Path    string `json:"path"`
		Headers struct {
			Host firstString `json:"Host"`
		} `json:"headers"`
	} `json:"wsSettings"`

	GRPCSettings struct {
		ServiceName string `json:"serviceName"`
	} `json:"grpcSettings"`

	TLSSettings struct {
		ServerName  string   `json:"serverName"`
		ALPN        []string `json:"alpn"`
		Fingerprint string   `json:"fingerprint"`
	} `json:"tlsSettings"`

	RealitySettings struct {
		ServerNames []string `json:"serverNames"`
		PublicKey   string   `json:"publicKey"`
		ShortIDs    []string `json:"shortIds"`
		SpiderX     string   `json:"spiderX"`
		Fingerprint string   `json:"fingerprint"`
	} `json:"realitySettings"`
}

// parseStream decodes the inbound's streamSettings document, tolerating
// malformed exports by falling back to tcp/none defaults
func parseStream(raw string) streamSettings {
	var stream streamSettings
	if raw != "" {
		json.Unmarshal([]byte(raw), &stream)
	}
	if stream.Network == "" {
		stream.Network = "tcp"
	}
	if stream.Security == "" {
		stream.Security = "none"
	}
	return stream
}

func parseInboundMethod(raw string) string {
	var settings struct {
		Method string `json:"method"`
	}
	if raw != "" {
		json.Unmarshal([]byte(raw), &settings)
	}
	if settings.Method == "" {
		return "aes-128-gcm"
	}
	return settings.Method
}

// endpoint picks the public host and port for a link: panel host and
// inbound port by default, overridden by the inbound's external proxy
func endpoint(baseURL string, inbound *xui.Inbound, stream streamSettings) (string, int) {
	host := ""
	basePort := 0
	if parsed, err := url.Parse(baseURL); err == nil {
		host = parsed.Hostname()
		if parsed.Port() != "" {
			basePort, _ = strconv.Atoi(parsed.Port())
		}
	}

	port := inbound.Port
	if len(stream.ExternalProxy) > 0 {
		first := stream.ExternalProxy[0]
		if dest := strings.TrimSpace(first.Dest); dest != "" {
			host = dest
		}
		if first.Port > 0 {
			port = first.Port
		}
	}

	if port <= 0 {
		port = basePort
	}
	return host, port
}

func applyStreamParams(params url.Values, stream streamSettings) {
	switch strings.ToLower(stream.Network) {
	case "tcp":
		headerType := stream.TCPSettings.Header.Type
		if headerType == "" {
			headerType = "none"
		}
		params.Set("headerType", headerType)
		if headerType == "http" {
			if path := string(stream.TCPSettings.Header.Request.Path); path != "" {
				params.Set("path", path)
			}
			if host := string(stream.TCPSettings.Header.Request.Headers.Host); host != "" {
				params.Set("host", host)
			}
		}
	case "ws":
		if stream.WSSettings.Path != "" {
			params.Set("path", stream.WSSettings.Path)
		}
		if host := string(stream.WSSettings.Headers.Host); host != "" {
			params.Set("host", host)
		}
	case "grpc":
		if stream.GRPCSettings.ServiceName != "" {
			params.Set("serviceName", stream.GRPCSettings.ServiceName)
		}
	}
}

func applySecurityParams(params url.Values, stream streamSettings) {
	switch strings.ToLower(stream.Security) {
	case "tls":
		tls := stream.TLSSettings
		if tls.ServerName != "" {
			params.Set("sni", tls.ServerName)
		}
		if len(tls.ALPN) > 0 {
			params.Set("alpn", strings.Join(tls.ALPN, ","))
		}
		if tls.Fingerprint != "" {
			params.Set("fp", tls.Fingerprint)
		}
	case "reality":
		reality := stream.RealitySettings
		if sni := firstNonEmpty(reality.ServerNames); sni != "" {
			params.Set("sni", sni)
		}
		if reality.PublicKey != "" {
			params.Set("pbk", reality.PublicKey)
		}
		if sid := firstNonEmpty(reality.ShortIDs); sid != "" {
			params.Set("sid", sid)
		}
		if reality.SpiderX != "" {
			params.Set("spx", reality.SpiderX)
		}
		if reality.Fingerprint != "" {
			params.Set("fp", reality.Fingerprint)
		}
	}
}

func firstNonEmpty(values []string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
