package xui

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client talks to one 3x-ui panel over its HTTP API. Authentication is
// cookie based: Login establishes the session and any call that comes
// back unauthenticated re-logs in and retries once.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu       sync.Mutex
	loggedIn bool
}

// ConnectionResult contains the result of a connection test
type ConnectionResult struct {
	Success   bool
	IsOnline  bool
	APIAuth   bool
	ErrorMsg  string
	PanelInfo map[string]string
}

// Inbound is one listener configured on the panel
type Inbound struct {
	ID             int          `json:"id"`
	Remark         string       `json:"remark"`
	Port           int          `json:"port"`
	Protocol       string       `json:"protocol"`
	Enable         bool         `json:"enable"`
	Settings       string       `json:"settings"`
	StreamSettings string       `json:"streamSettings"`
	ClientStats    []ClientStat `json:"clientStats"`
}

// ClientStat is the panel's per-client usage line inside an inbound
type ClientStat struct {
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
}

// PanelSettings is the subset of panel settings used for config delivery
type PanelSettings struct {
	SubEnable bool   `json:"subEnable"`
	SubURI    string `json:"subURI"`
	SubPort   int    `json:"subPort"`
	SubPath   string `json:"subPath"`
}

// apiResponse is the envelope every panel API endpoint answers with
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// NewClient creates a client for one panel
func NewClient(baseURL, username, password string, verifyTLS bool, timeout time.Duration) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifyTLS},
			},
		},
	}
}

// BaseURL returns the panel address the client was built for
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login opens a panel session. Safe to call again after expiry.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"username": {c.username},
		"password": {c.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setCommonHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login returned status %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("login response malformed: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("login rejected: %s", out.Msg)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", "provpn-backend/1.0")
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()

	if loggedIn {
		return nil
	}
	return c.Login(ctx)
}

// call performs one API request with a single re-login retry when the
// session has expired. The panel signals expiry as 401/404 or as a
// success=false envelope pointing at the login page.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, obj interface{}) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	retried := false
	for {
		status, apiErr, err := c.doOnce(ctx, method, path, body, obj)
		if err != nil {
			return err
		}
		if status == http.StatusOK && apiErr == nil {
			return nil
		}

		if !retried && sessionExpired(status, apiErr) {
			retried = true
			if err := c.Login(ctx); err != nil {
				return err
			}
			continue
		}

		if apiErr != nil {
			return fmt.Errorf("api %s: %w", path, apiErr)
		}
		return fmt.Errorf("api %s: status %d", path, status)
	}
}

func sessionExpired(status int, apiErr error) bool {
	if status == http.StatusUnauthorized || status == http.StatusNotFound {
		return true
	}
	return apiErr != nil && strings.Contains(strings.ToLower(apiErr.Error()), "login")
}

// doOnce runs a single request. apiErr reports a success=false envelope;
// err reports transport or decoding failures.
func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}, obj interface{}) (status int, apiErr error, err error) {
	var reader io.Reader
	if body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return 0, nil, merr
		}
		reader = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setCommonHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, nil
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("response malformed: %w", err)
	}
	if !envelope.Success {
		return resp.StatusCode, fmt.Errorf("%s", envelope.Msg), nil
	}

	if obj != nil && len(envelope.Obj) > 0 {
		if err := json.Unmarshal(envelope.Obj, obj); err != nil {
			return resp.StatusCode, nil, fmt.Errorf("obj malformed: %w", err)
		}
	}
	return resp.StatusCode, nil, nil
}

// ListInbounds returns every inbound configured on the panel
func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	var inbounds []Inbound
	if err := c.call(ctx, http.MethodGet, "/panel/api/inbounds/list", nil, &inbounds); err != nil {
		return nil, err
	}
	return inbounds, nil
}

// InboundByPort resolves the single inbound listening on the port.
// Missing and ambiguous ports are both errors: the caller registered a
// port, not an inbound id, and the mapping must be unique.
func (c *Client) InboundByPort(ctx context.Context, port int) (*Inbound, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}

	var found *Inbound
	for i := range inbounds {
		if inbounds[i].Port != port {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("port %d matches multiple inbounds (%d and %d)", port, found.ID, inbounds[i].ID)
		}
		found = &inbounds[i]
	}
	if found == nil {
		return nil, fmt.Errorf("no inbound listening on port %d", port)
	}
	if !found.Enable {
		return nil, fmt.Errorf("inbound %d on port %d is disabled", found.ID, port)
	}
	return found, nil
}

// addClientPayload is what the panel expects: the client list goes in
// as a JSON document encoded into a string field, not as nested JSON.
type addClientPayload struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

type clientList struct {
	Clients []ClientSetting `json:"clients"`
}

// AddClient creates clients inside an inbound
func (c *Client) AddClient(ctx context.Context, inboundID int, clients []ClientSetting) error {
	settings, err := json.Marshal(clientList{Clients: clients})
	if err != nil {
		return err
	}
	payload := addClientPayload{ID: inboundID, Settings: string(settings)}
	return c.call(ctx, http.MethodPost, "/panel/api/inbounds/addClient", payload, nil)
}

// DeleteClient removes a client from an inbound by its panel identity
// (uuid for vless/vmess, password for trojan/shadowsocks)
func (c *Client) DeleteClient(ctx context.Context, inboundID int, clientID string) error {
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(clientID))
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

// Settings fetches the panel settings relevant to subscription delivery
func (c *Client) Settings(ctx context.Context) (*PanelSettings, error) {
	var settings PanelSettings
	if err := c.call(ctx, http.MethodPost, "/panel/setting/all", nil, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SubscriptionURL builds the delivery URL for a subscription id from the
// panel settings: an explicit subURI wins, otherwise the panel host with
// the subscription port and path.
func (c *Client) SubscriptionURL(ctx context.Context, subID string) (string, error) {
	settings, err := c.Settings(ctx)
	if err != nil {
		return "", err
	}
	return c.subscriptionURL(settings, subID)
}

// SubscriptionURLs builds delivery URLs for several subscription ids
// with a single settings fetch
func (c *Client) SubscriptionURLs(ctx context.Context, subIDs []string) (map[string]string, error) {
	settings, err := c.Settings(ctx)
	if err != nil {
		return nil, err
	}

	urls := make(map[string]string, len(subIDs))
	for _, subID := range subIDs {
		u, err := c.subscriptionURL(settings, subID)
		if err != nil {
			return nil, err
		}
		urls[subID] = u
	}
	return urls, nil
}

func (c *Client) subscriptionURL(settings *PanelSettings, subID string) (string, error) {
	if !settings.SubEnable {
		return "", fmt.Errorf("subscription service disabled on panel")
	}

	if settings.SubURI != "" {
		return strings.TrimRight(settings.SubURI, "/") + "/" + subID, nil
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	path := settings.SubPath
	if path == "" {
		path = "/sub/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	host := base.Hostname()
	if settings.SubPort > 0 {
		host = host + ":" + strconv.Itoa(settings.SubPort)
	} else if base.Port() != "" {
		host = host + ":" + base.Port()
	}
	return fmt.Sprintf("%s://%s%s%s", base.Scheme, host, path, subID), nil
}

// FetchSubscription downloads the subscription body for a subscription id
func (c *Client) FetchSubscription(ctx context.Context, subID string) (string, error) {
	target, err := c.SubscriptionURL(ctx, subID)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "provpn-backend/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("subscription fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("subscription fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// TestConnection checks reachability and authentication
func (c *Client) TestConnection(ctx context.Context) ConnectionResult {
	result := ConnectionResult{
		PanelInfo: make(map[string]string),
	}

	if err := c.Login(ctx); err != nil {
		// Distinguish unreachable from rejected: a rejected login means
		// the panel itself answered.
		if strings.Contains(err.Error(), "login rejected") {
			result.IsOnline = true
			result.ErrorMsg = err.Error()
		} else {
			result.ErrorMsg = fmt.Sprintf("Cannot reach panel: %v", err)
		}
		return result
	}

	result.IsOnline = true
	result.APIAuth = true

	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		result.ErrorMsg = fmt.Sprintf("Authenticated but inbound list failed: %v", err)
		return result
	}

	result.Success = true
	result.PanelInfo["inbounds"] = strconv.Itoa(len(inbounds))
	enabled := 0
	for _, ib := range inbounds {
		if ib.Enable {
			enabled++
		}
	}
	result.PanelInfo["enabled_inbounds"] = strconv.Itoa(enabled)
	return result
}
