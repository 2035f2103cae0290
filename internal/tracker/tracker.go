// Package tracker is the gateway to the ticket tracker's REST API: actionable
// ticket search, status transitions by target name, comment posting, and
// dynamic project discovery behind a TTL cache.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ytnobody/ticketflow/internal/apierr"
	"github.com/ytnobody/ticketflow/internal/cache"
)

const (
	apiPrefix     = "/rest/api/2"
	searchPageMax = 50
)

// transitionAliases maps a logical target status to the names it may carry in
// a given project's workflow. Matching is case-insensitive against both the
// transition name and the status it leads to.
var transitionAliases = map[string][]string{
	"Done":            {"Done", "Closed", "Resolved", "Complete", "Close"},
	"To Do":           {"To Do", "Open", "Backlog", "Reopened", "Reopen"},
	"In Progress":     {"In Progress", "Start Progress", "Doing"},
	"In Review":       {"In Review", "Review", "Code Review"},
	"Blocked":         {"Blocked", "On Hold", "Impediment"},
	"Needs Attention": {"Needs Attention", "Flagged", "Blocked", "On Hold"},
}

// Client talks to the tracker API. All writes are best-effort from the
// caller's perspective: Transition and Comment failures are logged, not
// escalated, because losing a narration comment must not abort ticket
// processing.
type Client struct {
	baseURL    string
	email      string
	token      string
	httpClient *http.Client

	staticProjects []string
	projects       *cache.TTL
}

// New creates a tracker client. projectTTL bounds how often the project list
// is re-enumerated; staticProjects, when non-empty, disables discovery.
func New(baseURL, email, token string, staticProjects []string, projectTTL time.Duration) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		email:          email,
		token:          token,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		staticProjects: staticProjects,
		projects:       cache.New(projectTTL),
	}
}

// WithHTTPClient overrides the HTTP client. Used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// do performs one API request with exponential backoff on transient
// failures. Typed non-transient errors (NotFound, Unauthorized, Conflict)
// are returned immediately to the caller.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := fmt.Sprintf("tracker %s %s", method, path)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal body: %w", op, err)
		}
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		u := c.baseURL + apiPrefix + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.email, c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(apierr.New(apierr.KindTransient, op, err))
		}
		defer resp.Body.Close()

		if err := apierr.FromHTTPStatus(resp.StatusCode, op); err != nil {
			if apierr.KindOf(err) == apierr.KindTransient {
				return retry.RetryableError(err)
			}
			return err
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	})
}

type searchResponse struct {
	Issues []issueJSON       `json:"issues"`
	Names  map[string]string `json:"names"`
}

type issueJSON struct {
	Key    string                     `json:"key"`
	Fields map[string]json.RawMessage `json:"fields"`
}

type namedValue struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

type statusValue struct {
	Name           string `json:"name"`
	StatusCategory struct {
		Key string `json:"key"`
	} `json:"statusCategory"`
}

// FetchActionableTickets returns tickets in the queue status across the
// currently scoped projects, ordered by priority descending. Ties keep the
// tracker's stable fetch order (oldest first).
func (c *Client) FetchActionableTickets(ctx context.Context, queueStatus string) ([]*Ticket, error) {
	projects, err := c.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch actionable tickets: %w", err)
	}
	if len(projects) == 0 {
		return nil, nil
	}

	jql := fmt.Sprintf(`status = %q AND project in (%s) ORDER BY priority DESC, created ASC`,
		queueStatus, strings.Join(quoteAll(projects), ", "))

	query := url.Values{}
	query.Set("jql", jql)
	query.Set("maxResults", fmt.Sprintf("%d", searchPageMax))
	query.Set("expand", "names")
	query.Set("fields", "*all")

	var resp searchResponse
	if err := c.do(ctx, http.MethodGet, "/search", query, nil, &resp); err != nil {
		return nil, err
	}

	tickets := make([]*Ticket, 0, len(resp.Issues))
	for _, iss := range resp.Issues {
		tickets = append(tickets, decodeIssue(iss, resp.Names))
	}

	// The JQL already orders by priority, but re-sort defensively with a
	// stable sort so fetch order breaks ties even if the tracker changes
	// its collation.
	sort.SliceStable(tickets, func(i, j int) bool {
		return PriorityRank(tickets[i].Priority) > PriorityRank(tickets[j].Priority)
	})
	return tickets, nil
}

// Get fetches a single ticket by key.
func (c *Client) Get(ctx context.Context, key string) (*Ticket, error) {
	query := url.Values{}
	query.Set("expand", "names")

	var iss struct {
		issueJSON
		Names map[string]string `json:"names"`
	}
	if err := c.do(ctx, http.MethodGet, "/issue/"+url.PathEscape(key), query, nil, &iss); err != nil {
		return nil, err
	}
	return decodeIssue(iss.issueJSON, iss.Names), nil
}

func decodeIssue(iss issueJSON, names map[string]string) *Ticket {
	t := &Ticket{Key: iss.Key}

	custom := make(map[string]any)
	for id, raw := range iss.Fields {
		switch id {
		case "summary":
			json.Unmarshal(raw, &t.Summary)
		case "description":
			json.Unmarshal(raw, &t.Description)
		case "priority":
			var p namedValue
			if json.Unmarshal(raw, &p) == nil {
				t.Priority = p.Name
			}
		case "status":
			var s statusValue
			if json.Unmarshal(raw, &s) == nil {
				t.Status = s.Name
				t.StatusCategory = s.StatusCategory.Key
			}
		default:
			display, ok := names[id]
			if !ok {
				display = id
			}
			var v any
			if json.Unmarshal(raw, &v) == nil && v != nil {
				custom[display] = v
			}
		}
	}
	t.Fields = NewFieldView(custom)
	return t
}

type transitionList struct {
	Transitions []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		To   struct {
			Name string `json:"name"`
		} `json:"to"`
	} `json:"transitions"`
}

// Transition moves the ticket to the named target status, resolving the name
// against the project's actual transition graph via the alias table. A
// missing transition is a logged no-op, never an error: an unmappable status
// must not abort the surrounding ticket flow.
func (c *Client) Transition(ctx context.Context, key, target string) error {
	var list transitionList
	if err := c.do(ctx, http.MethodGet, "/issue/"+url.PathEscape(key)+"/transitions", nil, nil, &list); err != nil {
		return err
	}

	aliases := transitionAliases[target]
	if len(aliases) == 0 {
		aliases = []string{target}
	}

	id := ""
	for _, alias := range aliases {
		for _, tr := range list.Transitions {
			if strings.EqualFold(tr.Name, alias) || strings.EqualFold(tr.To.Name, alias) {
				id = tr.ID
				break
			}
		}
		if id != "" {
			break
		}
	}
	if id == "" {
		log.Printf("[tracker] %s: no transition to %q (have %s), leaving status unchanged",
			key, target, transitionNames(list))
		return nil
	}

	body := map[string]any{"transition": map[string]string{"id": id}}
	if err := c.do(ctx, http.MethodPost, "/issue/"+url.PathEscape(key)+"/transitions", nil, body, nil); err != nil {
		return err
	}
	log.Printf("[tracker] %s -> %s", key, target)
	return nil
}

func transitionNames(list transitionList) string {
	names := make([]string, len(list.Transitions))
	for i, tr := range list.Transitions {
		names[i] = tr.Name
	}
	return strings.Join(names, ", ")
}

// Comment posts progress/result narration on the ticket.
func (c *Client) Comment(ctx context.Context, key, text string) error {
	body := map[string]string{"body": text}
	return c.do(ctx, http.MethodPost, "/issue/"+url.PathEscape(key)+"/comment", nil, body, nil)
}

// CountComments returns how many comments on the ticket start with marker.
// The orchestrator uses this as its attempt counter: the tracker itself is
// the retry ledger, so the count survives restarts.
func (c *Client) CountComments(ctx context.Context, key, marker string) (int, error) {
	var resp struct {
		Comments []struct {
			Body string `json:"body"`
		} `json:"comments"`
	}
	if err := c.do(ctx, http.MethodGet, "/issue/"+url.PathEscape(key)+"/comment", nil, nil, &resp); err != nil {
		return 0, err
	}
	n := 0
	for _, cm := range resp.Comments {
		if strings.HasPrefix(cm.Body, marker) {
			n++
		}
	}
	return n, nil
}

// Projects returns the project keys in scope. Static configuration wins;
// otherwise the tracker's project list is discovered and cached.
func (c *Client) Projects(ctx context.Context) ([]string, error) {
	if len(c.staticProjects) > 0 {
		return c.staticProjects, nil
	}

	if cached, ok := c.projects.Get("projects"); ok {
		return cached.([]string), nil
	}

	var list []struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodGet, "/project", nil, nil, &list); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(list))
	for _, p := range list {
		keys = append(keys, p.Key)
	}
	c.projects.Put("projects", keys)
	log.Printf("[tracker] discovered %d project(s): %v", len(keys), keys)
	return keys, nil
}

func quoteAll(values []string) []string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return quoted
}
