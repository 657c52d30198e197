// Package integrity computes the deterministic content hashes attached to
// events, streams and accesses, and the HMAC read tokens that grant
// attachment downloads without an access token.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/trovelabs/trove/internal/model"
)

// hash canonicalizes the given fields and returns the tagged digest.
// encoding/json marshals map keys in sorted order, which gives a stable
// serialization without a separate canonicalizer.
func hash(fields map[string]interface{}) string {
	b, err := json.Marshal(fields)
	if err != nil {
		// Only non-serializable content could get here; fall back to an
		// empty document rather than poisoning the record.
		b = []byte("{}")
	}
	sum := sha256.Sum256(b)
	return "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
}

// EventHash computes the canonical hash of an event. Derived fields
// (streamId alias, tags, readToken) and the hash itself are excluded.
func EventHash(e *model.Event) string {
	atts := make([]map[string]interface{}, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		atts = append(atts, map[string]interface{}{
			"id":       a.ID,
			"fileName": a.FileName,
			"type":     a.Type,
			"size":     a.Size,
		})
	}
	fields := map[string]interface{}{
		"id":          e.ID,
		"streamIds":   e.StreamIDs,
		"type":        e.Type,
		"time":        e.Time,
		"duration":    e.Duration,
		"content":     e.Content,
		"description": e.Description,
		"clientData":  e.ClientData,
		"trashed":     e.Trashed,
		"attachments": atts,
		"created":     e.Created,
		"createdBy":   e.CreatedBy,
		"modified":    e.Modified,
		"modifiedBy":  e.ModifiedBy,
	}
	return hash(fields)
}

// StreamHash computes the canonical hash of a stream. Children are derived
// at read time and excluded.
func StreamHash(s *model.Stream) string {
	return hash(map[string]interface{}{
		"id":         s.ID,
		"name":       s.Name,
		"parentId":   s.ParentID,
		"trashed":    s.Trashed,
		"clientData": s.ClientData,
		"created":    s.Created,
		"createdBy":  s.CreatedBy,
		"modified":   s.Modified,
		"modifiedBy": s.ModifiedBy,
	})
}

// AccessHash computes the canonical hash of an access. The volatile
// lastUsed/calls counters are excluded so tracking writes do not churn it.
func AccessHash(a *model.Access) string {
	perms := make([]map[string]interface{}, 0, len(a.Permissions))
	for _, p := range a.Permissions {
		perms = append(perms, map[string]interface{}{
			"streamId": p.StreamID,
			"tag":      p.Tag,
			"feature":  p.Feature,
			"level":    p.Level,
			"setting":  p.Setting,
		})
	}
	return hash(map[string]interface{}{
		"id":          a.ID,
		"token":       a.Token,
		"type":        a.Type,
		"name":        a.Name,
		"deviceName":  a.DeviceName,
		"permissions": perms,
		"expireAfter": a.ExpireAfter,
		"expires":     a.Expires,
		"clientData":  a.ClientData,
		"created":     a.Created,
		"createdBy":   a.CreatedBy,
		"modified":    a.Modified,
		"modifiedBy":  a.ModifiedBy,
	})
}

// DeletionHash computes the canonical hash of a tombstone.
func DeletionHash(d *model.Deletion) string {
	return hash(map[string]interface{}{
		"id":      d.ID,
		"deleted": d.Deleted,
	})
}

// ReadToken derives the deterministic token that authorizes reading one
// attachment through one access. The access id is prefixed so verifiers can
// resolve the access before recomputing the signature.
func ReadToken(attachmentID string, access *model.Access, secret string) string {
	return access.ID + "-" + readTokenSignature(attachmentID, access, secret)
}

func readTokenSignature(attachmentID string, access *model.Access, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(attachmentID + "|" + access.ID + "|" + access.Token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ParseReadToken splits a read token into the access id and signature part.
// Access ids never contain dashes, so the first dash is the separator.
func ParseReadToken(token string) (accessID, signature string, ok bool) {
	i := strings.Index(token, "-")
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

// VerifyReadToken reports whether token grants the access a read on the
// attachment. Comparison is constant-time.
func VerifyReadToken(token, attachmentID string, access *model.Access, secret string) bool {
	_, sig, ok := ParseReadToken(token)
	if !ok {
		return false
	}
	want := readTokenSignature(attachmentID, access, secret)
	return hmac.Equal([]byte(sig), []byte(want))
}
