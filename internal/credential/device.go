package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// DeviceCode is the first step of the OAuth device authorization grant.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DeviceFlow runs the interactive login that produces an identity credential.
type DeviceFlow struct {
	oauthURL string
	clientID string
	client   *http.Client
	prompt   func(code *DeviceCode)
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDeviceFlow(oauthURL, clientID string, client *http.Client, prompt func(*DeviceCode)) *DeviceFlow {
	return &DeviceFlow{
		oauthURL: strings.TrimRight(oauthURL, "/"),
		clientID: clientID,
		client:   client,
		prompt:   prompt,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *DeviceFlow) post(ctx context.Context, path string, form url.Values, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.oauthURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "oauth " + path, Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", path, err)
	}
	return nil
}

// Start requests a device and user code.
func (f *DeviceFlow) Start(ctx context.Context) (*DeviceCode, error) {
	var dc DeviceCode
	err := f.post(ctx, "/login/device/code", url.Values{
		"client_id": {f.clientID},
		"scope":     {"read:user"},
	}, &dc)
	if err != nil {
		return nil, err
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Poll waits until the user authorizes the device code and returns the
// access token.
func (f *DeviceFlow) Poll(ctx context.Context, dc *DeviceCode) (string, error) {
	interval := time.Duration(dc.Interval+1) * time.Second
	if dc.ExpiresIn > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(dc.ExpiresIn)*time.Second)
		defer cancel()
	}

	for {
		if err := f.sleep(ctx, interval); err != nil {
			return "", fmt.Errorf("device authorization: %w", err)
		}

		var atr accessTokenResponse
		err := f.post(ctx, "/login/oauth/access_token", url.Values{
			"client_id":   {f.clientID},
			"device_code": {dc.DeviceCode},
			"grant_type":  {deviceGrantType},
		}, &atr)
		if err != nil {
			return "", err
		}

		switch {
		case atr.AccessToken != "":
			return atr.AccessToken, nil
		case atr.Error == "authorization_pending":
		case atr.Error == "slow_down":
			interval += 5 * time.Second
		default:
			return "", fmt.Errorf("device authorization: %s: %s", atr.Error, atr.Description)
		}
	}
}

// Login runs the whole flow, calling prompt with the code the user must enter.
func (f *DeviceFlow) Login(ctx context.Context) (string, error) {
	dc, err := f.Start(ctx)
	if err != nil {
		return "", err
	}
	if f.prompt != nil {
		f.prompt(dc)
	}
	return f.Poll(ctx, dc)
}
