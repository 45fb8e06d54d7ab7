// Package tap implements the request-identity layer: detached,
// time-bounded, nonce-scoped signatures over canonical HTTP request
// components, carried in the Signature-Input and Signature header fields.
//
// A requester-side Signer builds the headers; the Verifier checks them
// against an identity registry and a replay (nonce) store. Two algorithm
// families are supported: ed25519 detached signatures over the raw
// signature base, and RSA-PSS over its SHA-256 digest.
package tap

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Header field names for signature material.
const (
	HeaderSignatureInput = "Signature-Input"
	HeaderSignature      = "Signature"
)

// Supported signature algorithms.
const (
	AlgorithmEd25519 = "ed25519"
	AlgorithmRSAPSS  = "rsa-pss-sha256"
)

// SignatureLabel identifies the signature within the header fields.
const SignatureLabel = "sig2"

// Signed component identifiers.
const (
	ComponentAuthority     = "@authority"
	ComponentPath          = "@path"
	ComponentContentDigest = "content-digest"
)

// Params are the signature parameters carried in Signature-Input.
// Components is the ordered list of covered component identifiers.
type Params struct {
	Components []string
	Created    int64
	Expires    int64
	KeyID      string
	Algorithm  string
	Nonce      string
	Tag        string
}

// paramsPattern matches the Signature-Input wire form, e.g.
//
//	sig2=("@authority" "@path"); created=1700000000; expires=1700000300; keyid="k1"; alg="ed25519"; nonce="n"; tag="tap"
var paramsPattern = regexp.MustCompile(
	`^` + SignatureLabel + `=\(([^)]*)\);\s*created=(\d+);\s*expires=(\d+);\s*keyid="([^"]+)";\s*alg="([^"]+)";\s*nonce="([^"]+)";\s*tag="([^"]*)"$`,
)

// ParseSignatureInput parses a Signature-Input header value.
func ParseSignatureInput(header string) (*Params, error) {
	m := paramsPattern.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return nil, fmt.Errorf("unrecognized signature input: %q", header)
	}

	var components []string
	for _, c := range strings.Fields(m[1]) {
		components = append(components, strings.Trim(c, `"`))
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("signature covers no components")
	}

	created, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created timestamp: %w", err)
	}
	expires, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires timestamp: %w", err)
	}

	return &Params{
		Components: components,
		Created:    created,
		Expires:    expires,
		KeyID:      m[4],
		Algorithm:  m[5],
		Nonce:      m[6],
		Tag:        m[7],
	}, nil
}

// String renders the parameters in Signature-Input wire form.
func (p *Params) String() string {
	quoted := make([]string, len(p.Components))
	for i, c := range p.Components {
		quoted[i] = `"` + c + `"`
	}
	return fmt.Sprintf(
		`%s=(%s); created=%d; expires=%d; keyid=%q; alg=%q; nonce=%q; tag=%q`,
		SignatureLabel, strings.Join(quoted, " "),
		p.Created, p.Expires, p.KeyID, p.Algorithm, p.Nonce, p.Tag,
	)
}

// signatureParams renders the "@signature-params" line value: the
// component list followed by the parameters, without the label.
func (p *Params) signatureParams() string {
	quoted := make([]string, len(p.Components))
	for i, c := range p.Components {
		quoted[i] = `"` + c + `"`
	}
	return fmt.Sprintf(
		`(%s);created=%d;expires=%d;keyid=%q;alg=%q;nonce=%q;tag=%q`,
		strings.Join(quoted, " "),
		p.Created, p.Expires, p.KeyID, p.Algorithm, p.Nonce, p.Tag,
	)
}

// ParseSignature extracts the raw signature bytes from a Signature header
// value of the form `sig2=:<base64>:`.
func ParseSignature(header string) ([]byte, error) {
	value := strings.TrimSpace(header)
	prefix := SignatureLabel + "=:"
	if !strings.HasPrefix(value, prefix) || !strings.HasSuffix(value, ":") {
		return nil, fmt.Errorf("unrecognized signature: %q", header)
	}
	encoded := strings.TrimSuffix(strings.TrimPrefix(value, prefix), ":")
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return sig, nil
}

// FormatSignature renders raw signature bytes in Signature header form.
func FormatSignature(sig []byte) string {
	return SignatureLabel + "=:" + base64.StdEncoding.EncodeToString(sig) + ":"
}

// SignedRequest carries the request components a signature covers.
type SignedRequest struct {
	Authority      string
	Path           string
	Body           []byte
	SignatureInput string
	Signature      string
}

// RequestFromHTTP extracts the signed components from an inbound request.
// Body must be supplied by the caller when content-digest coverage is
// expected (middleware typically buffers it).
func RequestFromHTTP(r *http.Request, body []byte) SignedRequest {
	authority := r.Host
	if authority == "" && r.URL != nil {
		authority = r.URL.Host
	}
	return SignedRequest{
		Authority:      authority,
		Path:           r.URL.Path,
		Body:           body,
		SignatureInput: r.Header.Get(HeaderSignatureInput),
		Signature:      r.Header.Get(HeaderSignature),
	}
}

// contentDigest renders the content-digest component value for a body.
func contentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}

// BuildSignatureBase constructs the deterministic signature base for the
// request under the given parameters. Component order follows
// params.Components; the "@signature-params" line always closes the base.
func BuildSignatureBase(req SignedRequest, params *Params) ([]byte, error) {
	var b strings.Builder
	for _, component := range params.Components {
		switch component {
		case ComponentAuthority:
			fmt.Fprintf(&b, "%q: %s\n", ComponentAuthority, req.Authority)
		case ComponentPath:
			fmt.Fprintf(&b, "%q: %s\n", ComponentPath, req.Path)
		case ComponentContentDigest:
			fmt.Fprintf(&b, "%q: %s\n", ComponentContentDigest, contentDigest(req.Body))
		default:
			return nil, fmt.Errorf("unsupported signed component: %s", component)
		}
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", params.signatureParams())
	return []byte(b.String()), nil
}
