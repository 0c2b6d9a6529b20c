package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/pkg/config"
)

const extractionPromptTemplate = `You are a commercial trucking insurance COI handling bot.
You are given a raw email subject and body. Decide whether the email asks for a certificate of insurance
(a COI request) and, if it does, infer:
  1. Whether the insured client/company the COI is requested for is mentioned, and its name.
  2. Whether the certificate holder is mentioned: company name, address line 1 (street address only)
     and address line 2 in the format "<city>, <state 2 letter code> <zip code>".
  3. The main email address the COI needs to be sent to; leave it blank if none is mentioned.

Typical requests read "please send insurance", "coi needed", "urgent, load on hold", "ins cert request"
or "proof of insurance needed". Be conservative: only report a COI request on clear indicators.

Respond with ONLY a valid JSON object in this exact format:
{
  "is_likely_coi_request": true/false,
  "insured_inferred": true/false,
  "insured_name": string,
  "holder_inferred": true/false,
  "holder_name": string,
  "holder_addr_1": string,
  "holder_addr_2": string,
  "send_to_email": string
}

To emails: {{join .To ", "}}
CC emails: {{join .Cc ", "}}
From: {{.From}}
Subject: {{.Subject}}
Content: {{.Body}}
`

type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicExtractor infers holder details with a Claude model.
type AnthropicExtractor struct {
	messages  messageCreator
	model     anthropic.Model
	maxTokens int64
	prompt    *template.Template
	logger    *zap.Logger
}

// NewAnthropicExtractor builds the extractor from configuration.
func NewAnthropicExtractor(cfg config.ExtractionConfig, logger *zap.Logger) (*AnthropicExtractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("extraction: ANTHROPIC_API_KEY is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return newAnthropicExtractor(&client.Messages, cfg, logger)
}

func newAnthropicExtractor(messages messageCreator, cfg config.ExtractionConfig, logger *zap.Logger) (*AnthropicExtractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tmpl, err := template.New("extraction").Funcs(template.FuncMap{"join": strings.Join}).Parse(extractionPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse extraction prompt: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicExtractor{
		messages:  messages,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		prompt:    tmpl,
		logger:    logger,
	}, nil
}

// Extract asks the model for holder details. Answers that are not usable are
// permanent failures; rate limits, server errors and network timeouts are transient.
func (e *AnthropicExtractor) Extract(ctx context.Context, msg models.MessageRef) (*models.HolderDetails, error) {
	var prompt bytes.Buffer
	if err := e.prompt.Execute(&prompt, msg); err != nil {
		return nil, Permanent(AdapterExtraction, "render prompt", err)
	}

	message, err := e.messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	if len(message.Content) == 0 || message.Content[0].Type != "text" {
		return nil, Permanent(AdapterExtraction, "unexpected response format", nil)
	}

	details, err := ParseExtraction(message.Content[0].Text)
	if err != nil {
		e.logger.Sugar().Infow("extraction rejected", "mailbox", msg.Mailbox, "message_id", msg.MessageID, "reason", FailureReason(err))
		return nil, err
	}
	return details, nil
}

var addressValidator = validator.New()

type extractionAnswer struct {
	IsLikelyCOIRequest bool   `json:"is_likely_coi_request"`
	InsuredInferred    bool   `json:"insured_inferred"`
	InsuredName        string `json:"insured_name"`
	HolderInferred     bool   `json:"holder_inferred"`
	HolderName         string `json:"holder_name"`
	HolderAddr1        string `json:"holder_addr_1"`
	HolderAddr2        string `json:"holder_addr_2"`
	SendToEmail        string `json:"send_to_email"`
}

// ParseExtraction decodes the model's JSON answer. Surrounding prose or code
// fences are tolerated.
func ParseExtraction(raw string) (*models.HolderDetails, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, Permanent(AdapterExtraction, "unparsable extraction response", nil)
	}
	var answer extractionAnswer
	if err := json.Unmarshal([]byte(raw[start:end+1]), &answer); err != nil {
		return nil, Permanent(AdapterExtraction, "unparsable extraction response", err)
	}
	if !answer.IsLikelyCOIRequest {
		return nil, Permanent(AdapterExtraction, "not a COI request", nil)
	}
	insured := strings.TrimSpace(answer.InsuredName)
	if !answer.InsuredInferred || insured == "" {
		return nil, Permanent(AdapterExtraction, "could not infer insured name", nil)
	}
	holder := strings.TrimSpace(answer.HolderName)
	if !answer.HolderInferred || holder == "" {
		return nil, Permanent(AdapterExtraction, "could not infer holder name, please check manually", nil)
	}
	return &models.HolderDetails{
		InsuredName: insured,
		HolderName:  holder,
		HolderAddr1: strings.TrimSpace(answer.HolderAddr1),
		HolderAddr2: strings.TrimSpace(answer.HolderAddr2),
		SendToEmail: sendToAddress(answer.SendToEmail),
	}, nil
}

// sendToAddress keeps the inferred recipient only when it is a usable address.
// A blank result makes issuance fall back to the requester.
func sendToAddress(raw string) string {
	addr := strings.TrimSpace(raw)
	if !validEmail(addr) {
		return ""
	}
	return addr
}

func validEmail(addr string) bool {
	return addr != "" && addressValidator.Var(addr, "email") == nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return Transient(AdapterExtraction, err)
		}
		return Permanent(AdapterExtraction, fmt.Sprintf("model request rejected (%d)", apiErr.StatusCode), err)
	}
	return Transient(AdapterExtraction, err)
}
