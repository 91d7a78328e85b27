package delivery

import (
	"context"
	"fmt"

	"github.com/nao1215/eventnotify/pkg/httpclient"
)

// defaultHTTPAPIBaseURL はHTTPAPIプロバイダのデフォルト送信先。
const defaultHTTPAPIBaseURL = "https://api.sendgrid.com"

// HTTPAPI はSendGrid v3形式のメール送信APIを使うプロバイダ。
type HTTPAPI struct {
	client *httpclient.Client
	from   Sender
}

// NewHTTPAPI はHTTPAPIプロバイダを生成する。
func NewHTTPAPI(cfg HTTPAPIConfig, from Sender) *HTTPAPI {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultHTTPAPIBaseURL
	}
	return &HTTPAPI{
		client: httpclient.New(baseURL,
			httpclient.WithBearerToken(cfg.APIKey),
			httpclient.WithTimeout(cfg.Timeout),
		),
		from: from,
	}
}

type apiAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type apiPersonalization struct {
	To []apiAddress `json:"to"`
}

type apiContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// apiMail は /v3/mail/send のリクエストボディ。
type apiMail struct {
	Personalizations []apiPersonalization `json:"personalizations"`
	From             apiAddress           `json:"from"`
	Subject          string               `json:"subject"`
	Content          []apiContent         `json:"content"`
}

// Send はメール送信APIにリクエストする。2xx以外はエラーになる。
func (h *HTTPAPI) Send(ctx context.Context, to, subject, htmlBody string) error {
	req := apiMail{
		Personalizations: []apiPersonalization{{To: []apiAddress{{Email: to}}}},
		From:             apiAddress{Email: h.from.Email, Name: h.from.Name},
		Subject:          subject,
		Content:          []apiContent{{Type: "text/html", Value: htmlBody}},
	}
	if err := h.client.PostJSON(ctx, "/v3/mail/send", req, nil); err != nil {
		return fmt.Errorf("メール送信APIの呼び出しに失敗: %w", err)
	}
	return nil
}
