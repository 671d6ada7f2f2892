package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
)

// QueryBuilder builds a PostgREST read request. It is single-use and not
// safe for concurrent use.
type QueryBuilder struct {
	client  *Client
	table   string
	columns string
	filters [][2]string
	orders  []string
	limit   int
	single  bool
}

// From starts a query against table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table}
}

// Select sets the column list, including embedded resources.
// Whitespace outside quoted identifiers is stripped.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = compactSelect(columns)
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	q.filters = append(q.filters, [2]string{column, fmt.Sprintf("eq.%v", value)})
	return q
}

// Gte adds a greater-than-or-equal filter.
func (q *QueryBuilder) Gte(column string, value any) *QueryBuilder {
	q.filters = append(q.filters, [2]string{column, fmt.Sprintf("gte.%v", value)})
	return q
}

// Order appends an ordering term.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

// Limit caps the number of returned rows. Zero means no limit.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Single requests exactly one row as a JSON object. Zero or several rows
// are reported by the backend as an error.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

// URL returns the request URL the builder would use.
func (q *QueryBuilder) URL() string {
	params := url.Values{}
	if q.columns != "" {
		params.Set("select", q.columns)
	}
	for _, f := range q.filters {
		params.Add(f[0], f[1])
	}
	if len(q.orders) > 0 {
		params.Set("order", strings.Join(q.orders, ","))
	}
	if q.limit > 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}

	u := q.client.baseURL + "/rest/v1/" + q.table
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Execute runs the query for sess and decodes the body into dest.
func (q *QueryBuilder) Execute(ctx context.Context, sess model.Session, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.URL(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	q.client.setHeaders(req, sess)
	if q.single {
		req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	}

	body, err := q.client.do(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode %s: %w", q.table, err)
	}
	return nil
}

// RPC calls a stored procedure with named arguments and decodes the result
// into dest. Procedures declared as returning a table yield a JSON array;
// its first element is decoded. A null or empty result leaves dest
// untouched and reports found=false.
func (c *Client) RPC(ctx context.Context, sess model.Session, fn string, args map[string]any, dest any) (found bool, err error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return false, fmt.Errorf("marshal %s args: %w", fn, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/v1/rpc/"+fn, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	c.setHeaders(req, sess)
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return false, err
	}

	res := gjson.ParseBytes(body)
	if res.IsArray() {
		res = res.Get("0")
	}
	if !res.Exists() || res.Type == gjson.Null {
		return false, nil
	}

	if err := json.Unmarshal([]byte(res.Raw), dest); err != nil {
		return false, fmt.Errorf("decode %s result: %w", fn, err)
	}
	return true, nil
}

// compactSelect removes whitespace outside double-quoted identifiers so
// multi-line select strings produce clean query parameters.
func compactSelect(columns string) string {
	var b strings.Builder
	b.Grow(len(columns))

	quoted := false
	for _, r := range columns {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case !quoted && (r == ' ' || r == '\n' || r == '\t' || r == '\r'):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
