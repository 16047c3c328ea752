package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/types"
	"github.com/miekg/dns"
)

const (
	// handleTXTPrefix is the DNS label queried for handle verification.
	handleTXTPrefix = "_atproto."

	// wellKnownPath is the HTTPS fallback for handle resolution.
	wellKnownPath = "/.well-known/atproto-did"

	resolveTimeout = 10 * time.Second
)

// DefaultDNSServers are the public resolvers queried for handle TXT records.
var DefaultDNSServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Resolver resolves handles to DIDs and DIDs to their current PDS endpoint.
type Resolver struct {
	directoryHost string
	dnsServers    []string
	dnsClient     *dns.Client
	httpClient    *http.Client
}

// NewResolver creates a resolver against the given PLC directory host.
func NewResolver(directoryHost string) *Resolver {
	return &Resolver{
		directoryHost: strings.TrimSuffix(directoryHost, "/"),
		dnsServers:    DefaultDNSServers,
		dnsClient:     &dns.Client{Timeout: 5 * time.Second},
		httpClient:    &http.Client{Timeout: resolveTimeout},
	}
}

// WithDNSServers overrides the upstream resolvers (used in tests).
func (r *Resolver) WithDNSServers(servers []string) *Resolver {
	r.dnsServers = servers
	return r
}

// WithHTTPClient overrides the HTTP client (used in tests).
func (r *Resolver) WithHTTPClient(c *http.Client) *Resolver {
	r.httpClient = c
	return r
}

// ResolveHandle resolves a handle to a DID, trying the _atproto TXT record
// first and falling back to the HTTPS well-known document.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if err := ValidateHandle(handle); err != nil {
		return "", err
	}

	if did, err := r.resolveHandleDNS(handle); err == nil {
		return did, nil
	} else {
		log.Logger.Debug().
			Str("component", "identity").
			Str("handle", handle).
			Err(err).
			Msg("TXT resolution failed, trying well-known")
	}

	did, err := r.resolveHandleWellKnown(ctx, handle)
	if err != nil {
		return "", types.NewError(types.ErrValidation, "identity.resolve_handle",
			fmt.Errorf("handle %s does not resolve to a DID: %w", handle, err))
	}
	return did, nil
}

// resolveHandleDNS queries the _atproto TXT record for "did=" values.
func (r *Resolver) resolveHandleDNS(handle string) (string, error) {
	name := dns.Fqdn(handleTXTPrefix + handle)

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)

	var lastErr error
	for _, server := range r.dnsServers {
		resp, _, err := r.dnsClient.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			txt, ok := rr.(*dns.TXT)
			if !ok {
				continue
			}
			value := strings.Join(txt.Txt, "")
			if did, found := strings.CutPrefix(value, "did="); found {
				if err := ValidateDID(did); err == nil {
					return did, nil
				}
			}
		}
		lastErr = fmt.Errorf("no did= TXT record at %s", name)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS servers configured")
	}
	return "", lastErr
}

// resolveHandleWellKnown fetches https://<handle>/.well-known/atproto-did.
func (r *Resolver) resolveHandleWellKnown(ctx context.Context, handle string) (string, error) {
	url := "https://" + handle + wellKnownPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("well-known returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}

	did := strings.TrimSpace(string(body))
	if err := ValidateDID(did); err != nil {
		return "", fmt.Errorf("well-known body is not a DID: %w", err)
	}
	return did, nil
}

// DIDDocument is the subset of a resolved DID document we consume.
type DIDDocument struct {
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Service            []Service            `json:"service"`
}

// VerificationMethod is a signing-key entry on a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Service is a service endpoint entry on a DID document.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// ResolveDID fetches the DID document for a did:plc or did:web identifier.
func (r *Resolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	if err := ValidateDID(did); err != nil {
		return nil, err
	}

	var url string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		url = r.directoryHost + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		url = "https://" + host + "/.well-known/did.json"
	default:
		return nil, types.Errorf(types.ErrValidation, "identity.resolve_did",
			"unsupported DID method in %s", did)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, "identity.resolve_did", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.Errorf(types.ErrProtocol, "identity.resolve_did",
			"directory returned HTTP %d for %s", resp.StatusCode, did)
	}

	var doc DIDDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&doc); err != nil {
		return nil, types.NewError(types.ErrProtocol, "identity.resolve_did", err)
	}
	if doc.ID != did {
		return nil, types.Errorf(types.ErrProtocol, "identity.resolve_did",
			"document id %s does not match requested %s", doc.ID, did)
	}
	return &doc, nil
}

// PDSEndpoint extracts the personal data server endpoint from a DID
// document.
func PDSEndpoint(doc *DIDDocument) (string, error) {
	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" || strings.HasSuffix(svc.ID, "#atproto_pds") {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("DID document for %s has no #atproto_pds service", doc.ID)
}

// ResolveHandleToPDS resolves a handle all the way to (did, pdsHost).
func (r *Resolver) ResolveHandleToPDS(ctx context.Context, handle string) (string, string, error) {
	did, err := r.ResolveHandle(ctx, handle)
	if err != nil {
		return "", "", err
	}

	doc, err := r.ResolveDID(ctx, did)
	if err != nil {
		return "", "", err
	}

	pds, err := PDSEndpoint(doc)
	if err != nil {
		return "", "", types.NewError(types.ErrProtocol, "identity.resolve_handle", err)
	}
	return did, pds, nil
}
