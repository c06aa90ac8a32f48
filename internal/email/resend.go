package email

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

// ResendClient Resend 邮件服务客户端
type ResendClient struct {
	apiKey string
	http   *http.Client
}

// NewResendClient 创建新的 Resend 客户端
func NewResendClient(apiKey string) *ResendClient {
	return &ResendClient{
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// IsConfigured 检查邮件服务 API Key 是否已配置
func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != ""
}

// sendEmailRequest Resend API 请求结构
type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendEmail 发送邮件
func (c *ResendClient) SendEmail(fromEmail, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}
	if fromEmail == "" {
		return ErrEmailNotConfigured
	}

	reqBody := sendEmailRequest{
		From:    fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", "https://api.resend.com/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}

	return nil
}

// SendBetaVerification 发送公测报名的邮箱验证链接
func (c *ResendClient) SendBetaVerification(fromEmail, to, company, verificationLink string) error {
	subject := "Verify your email - Vexa beta access"

	htmlContent := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s</title>
</head>
<body style="margin: 0; padding: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 100%%; border-collapse: collapse;">
        <tr>
            <td align="center" style="padding: 40px 0;">
                <table role="presentation" style="width: 600px; border-collapse: collapse; background-color: #ffffff; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,0.1);">
                    <tr>
                        <td style="padding: 40px 40px 20px 40px; text-align: center;">
                            <h1 style="margin: 0; color: #333333; font-size: 24px; font-weight: 600;">Almost there</h1>
                        </td>
                    </tr>
                    <tr>
                        <td style="padding: 0 40px 20px 40px; text-align: center;">
                            <p style="margin: 0; color: #666666; font-size: 16px; line-height: 1.5;">Thanks for signing %s up for the Vexa beta. Confirm your email address to complete the application:</p>
                        </td>
                    </tr>
                    <tr>
                        <td style="padding: 20px 40px; text-align: center;">
                            <a href="%s" style="display: inline-block; background-color: #007bff; border-radius: 8px; padding: 14px 32px; color: #ffffff; font-size: 16px; font-weight: bold; text-decoration: none;">Verify email</a>
                        </td>
                    </tr>
                    <tr>
                        <td style="padding: 20px 40px 40px 40px; text-align: center;">
                            <p style="margin: 0; color: #999999; font-size: 14px;">The link expires in 48 hours and can only be used once.</p>
                            <p style="margin: 10px 0 0 0; color: #999999; font-size: 14px;">If you did not request beta access, you can safely ignore this email.</p>
                        </td>
                    </tr>
                </table>
            </td>
        </tr>
    </table>
</body>
</html>
`, subject, company, verificationLink)

	return c.SendEmail(fromEmail, to, subject, htmlContent)
}
