// Package links issues time-limited download links for committed
// attachments. A link is a presigned URL minted by the blob store, so
// redeeming it does not touch this service at all. That also means a link
// cannot be revoked once issued; the only control is the TTL, which is why
// TTL limits are enforced strictly instead of silently truncated.
package links

import (
	"context"
	"errors"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ivlib/docket/ledger"
	"github.com/ivlib/docket/store"
)

var (
	// ErrInvalidTTL is returned for a nonpositive ttl or one over MaxTTL.
	ErrInvalidTTL = errors.New("invalid link ttl")

	// ErrNotCommitted is returned when the attachment exists but is not
	// in committed state. Pending and orphaned content is never linkable.
	ErrNotCommitted = errors.New("attachment is not committed")

	// ErrPolicyDenied is returned when the access policy refuses the
	// principal.
	ErrPolicyDenied = errors.New("access denied by policy")
)

// DefaultMaxTTL is the ttl ceiling when Issuer.MaxTTL is unset.
const DefaultMaxTTL = time.Hour

// A SignedLink grants download access to one attachment until Expires.
type SignedLink struct {
	URL       string
	Expires   time.Time
	Principal string
}

// Policy decides whether a principal may download an attachment. The record
// owning the attachment is supplied for rules that depend on it.
type Policy func(principal string, r *ledger.Record, a *ledger.Attachment) bool

// Issuer mints signed links. Set the fields before first use.
type Issuer struct {
	Repo  ledger.Repository
	Blobs store.Store

	// MaxTTL is the longest ttl a caller may request. Zero means
	// DefaultMaxTTL. Requests over the limit fail rather than being
	// clamped, so a caller never gets a shorter lifetime than the one it
	// asked for without noticing.
	MaxTTL time.Duration

	// Allow is consulted before issuing. Nil allows everyone.
	Allow Policy

	// Clock is used for the expiry timestamp. Nil means the wall clock.
	Clock clock.Clock
}

// Issue returns a signed download link for the attachment, valid for ttl.
func (is *Issuer) Issue(ctx context.Context, attachmentID, principal string, ttl time.Duration) (*SignedLink, error) {
	maxTTL := is.MaxTTL
	if maxTTL == 0 {
		maxTTL = DefaultMaxTTL
	}
	if ttl <= 0 || ttl > maxTTL {
		return nil, ErrInvalidTTL
	}

	a, err := is.Repo.Attachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != ledger.Committed {
		return nil, ErrNotCommitted
	}
	// a committed attachment always has its record; deletion would have
	// orphaned it
	r, err := is.Repo.Record(ctx, a.RecordID)
	if err != nil {
		return nil, err
	}
	if is.Allow != nil && !is.Allow(principal, r, a) {
		return nil, ErrPolicyDenied
	}

	url, err := is.Blobs.SignURL(a.StorageKey, ttl)
	if err != nil {
		return nil, err
	}
	clk := is.Clock
	if clk == nil {
		clk = clock.New()
	}
	link := &SignedLink{
		URL:       url,
		Expires:   clk.Now().Add(ttl),
		Principal: principal,
	}
	_ = is.Repo.AppendAudit(ctx, ledger.AuditEntry{
		Principal: principal,
		Action:    "link.issue",
		RecordID:  a.RecordID,
		Details:   "attachment " + a.ID,
	})
	return link, nil
}
