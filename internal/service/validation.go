package service

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

// ErrNoValidator means no validation capability is registered for the file's
// extension.
var ErrNoValidator = errors.New("no validator registered for file type")

// ValidatorRegistry routes files to validation capabilities by extension.
type ValidatorRegistry struct {
	byExt map[string]core.Validator
}

// NewValidatorRegistry returns a registry with the default XML invoice
// validator installed.
func NewValidatorRegistry() *ValidatorRegistry {
	r := &ValidatorRegistry{byExt: make(map[string]core.Validator)}
	r.Register(".xml", &XMLInvoiceValidator{})
	return r
}

// Register installs a validator for an extension (with leading dot, matched
// case-insensitively). Replaces any existing registration.
func (r *ValidatorRegistry) Register(ext string, v core.Validator) {
	r.byExt[strings.ToLower(ext)] = v
}

// For returns the validator for a file name, or ErrNoValidator.
//
//nolint:ireturn // registry lookup returns the capability interface
func (r *ValidatorRegistry) For(name string) (core.Validator, error) {
	ext := strings.ToLower(path.Ext(name))
	v, ok := r.byExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoValidator, ext)
	}
	return v, nil
}

// validationFinding is one error or warning in the result details.
type validationFinding struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// requiredInvoiceElements are the local element names an invoice document
// must carry somewhere in its tree. Matching is namespace-agnostic.
var requiredInvoiceElements = []struct {
	name string
	code string
}{
	{"ID", "INV-ID-MISSING"},
	{"IssueDate", "INV-DATE-MISSING"},
	{"AccountingSupplierParty", "INV-SELLER-MISSING"},
	{"AccountingCustomerParty", "INV-BUYER-MISSING"},
	{"LegalMonetaryTotal", "INV-TOTAL-MISSING"},
}

// recommendedInvoiceElements produce warnings, not errors.
var recommendedInvoiceElements = []struct {
	name string
	code string
}{
	{"InvoiceLine", "INV-LINES-MISSING"},
	{"TaxTotal", "INV-TAX-MISSING"},
}

// XMLInvoiceValidator validates XML invoice documents: well-formedness plus a
// structural check for the required invoice elements.
type XMLInvoiceValidator struct{}

// Validate implements core.Validator. Malformed or incomplete documents are
// outcomes, not errors.
func (v *XMLInvoiceValidator) Validate(_ context.Context, name string, content []byte) (model.ValidationOutcome, error) {
	findings := make([]validationFinding, 0, 4)

	seen, wfErr := collectElementNames(content)
	if wfErr != nil {
		findings = append(findings, validationFinding{
			Severity: "error",
			Code:     "XML-MALFORMED",
			Message:  fmt.Sprintf("document is not well-formed XML: %v", wfErr),
		})
		return buildOutcome(name, findings)
	}
	// Plain text and empty input decode without error but carry no elements.
	if len(seen) == 0 {
		findings = append(findings, validationFinding{
			Severity: "error",
			Code:     "XML-MALFORMED",
			Message:  "document has no root element",
		})
		return buildOutcome(name, findings)
	}

	for _, req := range requiredInvoiceElements {
		if !seen[req.name] {
			findings = append(findings, validationFinding{
				Severity: "error",
				Code:     req.code,
				Message:  fmt.Sprintf("required element %s is missing", req.name),
			})
		}
	}
	for _, rec := range recommendedInvoiceElements {
		if !seen[rec.name] {
			findings = append(findings, validationFinding{
				Severity: "warning",
				Code:     rec.code,
				Message:  fmt.Sprintf("recommended element %s is missing", rec.name),
			})
		}
	}

	return buildOutcome(name, findings)
}

func collectElementNames(content []byte) (map[string]bool, error) {
	seen := make(map[string]bool)
	dec := xml.NewDecoder(bytes.NewReader(content))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return seen, nil
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			seen[start.Name.Local] = true
		}
	}
}

func buildOutcome(name string, findings []validationFinding) (model.ValidationOutcome, error) {
	var errCount, warnCount int
	for _, f := range findings {
		if f.Severity == "error" {
			errCount++
		} else {
			warnCount++
		}
	}

	details, err := json.Marshal(struct {
		FileName string              `json:"file_name"`
		Findings []validationFinding `json:"findings"`
	}{FileName: name, Findings: findings})
	if err != nil {
		return model.ValidationOutcome{}, fmt.Errorf("encode validation details: %w", err)
	}

	return model.ValidationOutcome{
		Valid:        errCount == 0,
		ErrorCount:   errCount,
		WarningCount: warnCount,
		Details:      details,
	}, nil
}
