// Package paymentsvc provides billing.Gateway implementations: the Safaricom
// Daraja STK-push API for production and a simulated gateway for development.
package paymentsvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
)

const (
	tokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"

	timestampLayout = "20060102150405"
)

type darajaService struct {
	conf   core.DarajaConfig
	client *http.Client
	logger core.Logger

	// cached OAuth token
	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ billing.Gateway = (*darajaService)(nil)

func NewDarajaService(conf *core.Config, logger core.Logger) *darajaService {
	return &darajaService{
		conf:   conf.Daraja,
		client: &http.Client{Timeout: conf.Daraja.Timeout},
		logger: logger,
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ErrorMessage        string `json:"errorMessage"`
}

func (svc *darajaService) STKPush(ctx context.Context, phone string, amount int, reference string) (billing.GatewayResult, error) {
	token, err := svc.getToken(ctx)
	if err != nil {
		return billing.GatewayResult{}, errors.Wrap(err, "authenticating with daraja")
	}

	ts := time.Now().Format(timestampLayout)
	payload := stkPushRequest{
		BusinessShortCode: svc.conf.ShortCode,
		Password:          base64.StdEncoding.EncodeToString([]byte(svc.conf.ShortCode + svc.conf.Passkey + ts)),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            svc.conf.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       svc.conf.BaseURL + "/callback", // callbacks are not consumed; completion is synchronous
		AccountReference:  reference,
		TransactionDesc:   "School fees",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return billing.GatewayResult{}, errors.Wrap(err, "encoding STK-push request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.conf.BaseURL+stkPushPath, bytes.NewReader(body))
	if err != nil {
		return billing.GatewayResult{}, errors.Wrap(err, "creating STK-push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := svc.client.Do(req)
	if err != nil {
		return billing.GatewayResult{}, errors.Wrap(err, "calling daraja")
	}
	defer res.Body.Close()

	var out stkPushResponse
	if err = json.NewDecoder(res.Body).Decode(&out); err != nil {
		return billing.GatewayResult{}, errors.Wrap(err, "decoding STK-push response")
	}

	if res.StatusCode >= http.StatusBadRequest || out.ResponseCode != "0" {
		msg := out.ErrorMessage
		if msg == "" {
			msg = out.ResponseDescription
		}
		if msg == "" {
			msg = fmt.Sprintf("daraja returned status %d", res.StatusCode)
		}
		return billing.GatewayResult{Success: false, Message: msg}, nil
	}
	return billing.GatewayResult{
		Success: true,
		Message: out.CustomerMessage,
		Receipt: out.CheckoutRequestID,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (svc *darajaService) getToken(ctx context.Context) (string, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.token != "" && time.Now().Before(svc.tokenExpiry) {
		return svc.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.conf.BaseURL+tokenPath, nil)
	if err != nil {
		return "", errors.Wrap(err, "creating token request")
	}
	req.SetBasicAuth(svc.conf.ConsumerKey, svc.conf.ConsumerSecret)

	res, err := svc.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "requesting token")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", errors.Errorf("token request returned status %d", res.StatusCode)
	}
	var out tokenResponse
	if err = json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decoding token response")
	}

	svc.token = out.AccessToken
	// tokens last an hour; refresh a minute early
	svc.tokenExpiry = time.Now().Add(59 * time.Minute)
	return svc.token, nil
}
