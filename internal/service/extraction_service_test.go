package service

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/pkg/config"
)

type stubMessages struct {
	text   string
	err    error
	params anthropic.MessageNewParams
}

func (s *stubMessages) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: s.text}}}, nil
}

const coiAnswer = "```json\n" + `{
  "is_likely_coi_request": true,
  "insured_inferred": true,
  "insured_name": "RAPID TRUCKING INC",
  "holder_inferred": true,
  "holder_name": "Highway App, Inc.",
  "holder_addr_1": "5931 Greenville Ave, Unit #5620",
  "holder_addr_2": "Dallas, TX 75206",
  "send_to_email": "insurance@certs.highway.com"
}` + "\n```"

func TestParseExtraction(t *testing.T) {
	details, err := ParseExtraction(coiAnswer)
	require.NoError(t, err)
	require.Equal(t, &models.HolderDetails{
		InsuredName: "RAPID TRUCKING INC",
		HolderName:  "Highway App, Inc.",
		HolderAddr1: "5931 Greenville Ave, Unit #5620",
		HolderAddr2: "Dallas, TX 75206",
		SendToEmail: "insurance@certs.highway.com",
	}, details)
}

func TestParseExtractionDropsMalformedRecipient(t *testing.T) {
	for _, raw := range []string{"certs at highway dot com", "Highway <certs@highway.com>", "certs@highway.com\\r\\nBcc: x@y.test"} {
		answer := `{"is_likely_coi_request": true, "insured_inferred": true, "insured_name": "A", "holder_inferred": true, "holder_name": "B", "send_to_email": "` + raw + `"}`
		details, err := ParseExtraction(answer)
		require.NoError(t, err, raw)
		require.Empty(t, details.SendToEmail, raw)
	}

	details, err := ParseExtraction(`{"is_likely_coi_request": true, "insured_inferred": true, "insured_name": "A", "holder_inferred": true, "holder_name": "B", "send_to_email": " certs@highway.com "}`)
	require.NoError(t, err)
	require.Equal(t, "certs@highway.com", details.SendToEmail)
}

func TestParseExtractionRejections(t *testing.T) {
	cases := map[string]struct {
		raw    string
		reason string
	}{
		"garbage":       {raw: "I cannot help with that", reason: "unparsable extraction response"},
		"broken json":   {raw: `{"is_likely_coi_request": tru}`, reason: "unparsable extraction response"},
		"not a request": {raw: `{"is_likely_coi_request": false}`, reason: "not a COI request"},
		"no insured":    {raw: `{"is_likely_coi_request": true, "insured_inferred": false, "holder_inferred": true, "holder_name": "X"}`, reason: "could not infer insured name"},
		"no holder":     {raw: `{"is_likely_coi_request": true, "insured_inferred": true, "insured_name": "A", "holder_inferred": false}`, reason: "could not infer holder name, please check manually"},
		"blank holder":  {raw: `{"is_likely_coi_request": true, "insured_inferred": true, "insured_name": "A", "holder_inferred": true, "holder_name": "  "}`, reason: "could not infer holder name, please check manually"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseExtraction(tc.raw)
			require.Error(t, err)
			require.Equal(t, ErrorPermanent, ClassifyError(err))
			require.Equal(t, tc.reason, FailureReason(err))
		})
	}
}

func TestAnthropicExtractorRendersPrompt(t *testing.T) {
	stub := &stubMessages{text: coiAnswer}
	extractor, err := newAnthropicExtractor(stub, config.ExtractionConfig{Model: "claude-test", MaxTokens: 256}, nil)
	require.NoError(t, err)

	details, err := extractor.Extract(context.Background(), models.MessageRef{
		Subject: "COI needed - load on hold",
		Body:    "Please send COI for Rapid Trucking to Highway App",
		To:      []string{"coi@agency.test"},
		Cc:      []string{"broker@example.test", "ops@example.test"},
	})
	require.NoError(t, err)
	require.Equal(t, "Highway App, Inc.", details.HolderName)

	require.Equal(t, anthropic.Model("claude-test"), stub.params.Model)
	require.Equal(t, int64(256), stub.params.MaxTokens)
	require.Len(t, stub.params.Messages, 1)
	prompt := stub.params.Messages[0].Content[0].OfText.Text
	require.Contains(t, prompt, "Subject: COI needed - load on hold")
	require.Contains(t, prompt, "CC emails: broker@example.test, ops@example.test")
}

func TestAnthropicExtractorClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{status: 429, kind: ErrorTransient},
		{status: 529, kind: ErrorTransient},
		{status: 500, kind: ErrorTransient},
		{status: 400, kind: ErrorPermanent},
		{status: 401, kind: ErrorPermanent},
	}
	for _, tc := range cases {
		stub := &stubMessages{err: &anthropic.Error{StatusCode: tc.status}}
		extractor, err := newAnthropicExtractor(stub, config.ExtractionConfig{}, nil)
		require.NoError(t, err)
		_, err = extractor.Extract(context.Background(), models.MessageRef{Subject: "s"})
		require.Error(t, err)
		require.Equal(t, tc.kind, ClassifyError(err), "status %d", tc.status)
	}

	stub := &stubMessages{err: errors.New("connection reset by peer")}
	extractor, err := newAnthropicExtractor(stub, config.ExtractionConfig{}, nil)
	require.NoError(t, err)
	_, err = extractor.Extract(context.Background(), models.MessageRef{})
	require.Equal(t, ErrorTransient, ClassifyError(err))
}

func TestNewAnthropicExtractorRequiresKey(t *testing.T) {
	_, err := NewAnthropicExtractor(config.ExtractionConfig{}, nil)
	require.Error(t, err)
}
