package amivapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/amiv-eth/bouncer/internal/roster"
)

// DefaultProjection is the set of user fields needed for classification and
// display.
var DefaultProjection = []string{"firstname", "lastname", "membership", "nethz"}

// userItem mirrors one entry of the Eve users resource. Unexported; callers
// get roster.Record via toRecord().
type userItem struct {
	ID         string `json:"_id"`
	ETag       string `json:"_etag"`
	Firstname  string `json:"firstname"`
	Lastname   string `json:"lastname"`
	Nethz      string `json:"nethz"`
	Membership string `json:"membership"`
	Links      struct {
		Self struct {
			Methods []string `json:"methods"`
		} `json:"self"`
	} `json:"_links"`
}

// usersResponse wraps a page of GET /users.
type usersResponse struct {
	Items []userItem `json:"_items"`
	Meta  struct {
		Total      int `json:"total"`
		MaxResults int `json:"max_results"`
		Page       int `json:"page"`
	} `json:"_meta"`
}

// toRecord normalizes an Eve user into a roster record. A missing
// membership is read as none, which is the API's default.
func (u *userItem) toRecord() roster.Record {
	m := roster.Membership(strings.ToLower(strings.TrimSpace(u.Membership)))
	if m == "" {
		m = roster.MembershipNone
	}

	return roster.Record{
		ID:           u.ID,
		Version:      u.ETag,
		Firstname:    u.Firstname,
		Lastname:     u.Lastname,
		Nethz:        u.Nethz,
		Membership:   m,
		Capabilities: roster.NewCapabilities(u.Links.Self.Methods...),
	}
}

// UserQuery shapes GET /users requests.
type UserQuery struct {
	// Projection lists the fields to request. Empty uses DefaultProjection.
	Projection []string
	// PageSize is sent as max_results when positive; otherwise the server
	// default applies.
	PageSize int
}

// UserPage is one page of the user roster.
type UserPage struct {
	Records    []roster.Record
	Total      int // server-reported total over all pages
	MaxResults int // server-reported page size
	Page       int
}

// Pages returns the number of pages the roster spans, ceil(total/pageSize).
func (p UserPage) Pages() int {
	if p.Total <= 0 {
		return 0
	}

	if p.MaxResults <= 0 {
		return 1
	}

	return (p.Total + p.MaxResults - 1) / p.MaxResults
}

// usersPath builds the GET /users path for page.
func (q UserQuery) usersPath(page int) (string, error) {
	fields := q.Projection
	if len(fields) == 0 {
		fields = DefaultProjection
	}

	proj := make(map[string]int, len(fields))
	for _, f := range fields {
		proj[f] = 1
	}

	// encoding/json sorts map keys, so the query string is stable.
	raw, err := json.Marshal(proj)
	if err != nil {
		return "", fmt.Errorf("amivapi: encoding projection: %w", err)
	}

	v := url.Values{}
	v.Set("projection", string(raw))
	v.Set("page", strconv.Itoa(page))

	if q.PageSize > 0 {
		v.Set("max_results", strconv.Itoa(q.PageSize))
	}

	return "/users?" + v.Encode(), nil
}

// ListUsers fetches one page of users. Pages are numbered from 1.
func (c *Client) ListUsers(ctx context.Context, q UserQuery, page int) (*UserPage, error) {
	if page < 1 {
		return nil, fmt.Errorf("amivapi: invalid page %d", page)
	}

	path, err := q.usersPath(page)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ur usersResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, fmt.Errorf("amivapi: decoding users page %d: %w", page, err)
	}

	out := &UserPage{
		Records:    make([]roster.Record, 0, len(ur.Items)),
		Total:      ur.Meta.Total,
		MaxResults: ur.Meta.MaxResults,
		Page:       page,
	}

	for i := range ur.Items {
		out.Records = append(out.Records, ur.Items[i].toRecord())
	}

	c.logger.Debug("listed users",
		slog.Int("page", page),
		slog.Int("count", len(out.Records)),
		slog.Int("total", out.Total),
	)

	return out, nil
}

// membershipPatch is the body of a membership update.
type membershipPatch struct {
	Membership roster.Membership `json:"membership"`
}

// PatchMembership sets the membership of rec, guarded by rec.Version. A
// stale version fails with ErrConflict. Eve answers with a partial document,
// so the returned record is rec with the new version and membership merged
// in.
func (c *Client) PatchMembership(ctx context.Context, rec roster.Record, m roster.Membership) (roster.Record, error) {
	if rec.ID == "" {
		return roster.Record{}, fmt.Errorf("amivapi: patching user without id")
	}

	body, err := json.Marshal(membershipPatch{Membership: m})
	if err != nil {
		return roster.Record{}, fmt.Errorf("amivapi: encoding patch: %w", err)
	}

	h := make(http.Header)
	h.Set("If-Match", rec.Version)

	resp, err := c.Do(ctx, http.MethodPatch, "/users/"+url.PathEscape(rec.ID), body, h)
	if err != nil {
		return roster.Record{}, err
	}
	defer resp.Body.Close()

	var item userItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return roster.Record{}, fmt.Errorf("amivapi: decoding patch response for %s: %w", rec.ID, err)
	}

	if item.ETag == "" {
		return roster.Record{}, fmt.Errorf("amivapi: patch response for %s carries no _etag", rec.ID)
	}

	out := rec
	out.Version = item.ETag
	out.Membership = m

	if item.Membership != "" {
		out.Membership = roster.Membership(strings.ToLower(item.Membership))
	}

	if len(item.Links.Self.Methods) > 0 {
		out.Capabilities = roster.NewCapabilities(item.Links.Self.Methods...)
	}

	c.logger.Debug("patched membership",
		slog.String("id", rec.ID),
		slog.String("membership", string(out.Membership)),
	)

	return out, nil
}
