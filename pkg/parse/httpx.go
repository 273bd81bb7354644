package parse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/perchsec/osprey/pkg/types"
)

// httpxLine mirrors the JSON httpx emits per probed URL
type httpxLine struct {
	URL           string   `json:"url"`
	Input         string   `json:"input"`
	Host          string   `json:"host"`
	Title         string   `json:"title"`
	StatusCode    int      `json:"status_code"`
	ContentLength int      `json:"content_length"`
	ContentType   string   `json:"content_type"`
	WebServer     string   `json:"webserver"`
	Location      string   `json:"location"`
	Tech          []string `json:"tech"`
	RawHeader     string   `json:"raw_header"`
	Body          string   `json:"body"`
	VHost         bool     `json:"vhost"`
}

const bodyPreviewSize = 1024

func parseHTTPXLine(line string) (*httpxLine, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, ErrSkip
	}
	var row httpxLine
	if err := json.Unmarshal([]byte(trimmed), &row); err != nil {
		return nil, fmt.Errorf("invalid httpx line: %w", err)
	}
	if row.URL == "" {
		return nil, ErrSkip
	}
	return &row, nil
}

// HTTPXWebSite parses one httpx JSON line into a website snapshot
func HTTPXWebSite(scanID, line string) (*types.WebSiteSnapshot, error) {
	row, err := parseHTTPXLine(line)
	if err != nil {
		return nil, err
	}
	body := Sanitize(row.Body)
	if len(body) > bodyPreviewSize {
		body = body[:bodyPreviewSize]
	}
	return &types.WebSiteSnapshot{
		ScanID:        scanID,
		URL:           Sanitize(row.URL),
		Host:          Sanitize(row.Host),
		Title:         Sanitize(row.Title),
		StatusCode:    row.StatusCode,
		ContentLength: row.ContentLength,
		ContentType:   Sanitize(row.ContentType),
		WebServer:     Sanitize(row.WebServer),
		Location:      Sanitize(row.Location),
		Tech:          SanitizeAll(row.Tech),
		RespHeaders:   Sanitize(row.RawHeader),
		BodyPreview:   body,
		VHost:         row.VHost,
		ObservedAt:    time.Now(),
	}, nil
}

// HTTPXEndpoint parses one httpx JSON line into an endpoint snapshot.
// Matched patterns start empty; httpx output carries none.
func HTTPXEndpoint(scanID, line string) (*types.EndpointSnapshot, error) {
	site, err := HTTPXWebSite(scanID, line)
	if err != nil {
		return nil, err
	}
	return &types.EndpointSnapshot{
		ScanID:        site.ScanID,
		URL:           site.URL,
		Host:          site.Host,
		Title:         site.Title,
		StatusCode:    site.StatusCode,
		ContentLength: site.ContentLength,
		ContentType:   site.ContentType,
		WebServer:     site.WebServer,
		Location:      site.Location,
		Tech:          site.Tech,
		RespHeaders:   site.RespHeaders,
		BodyPreview:   site.BodyPreview,
		VHost:         site.VHost,
		ObservedAt:    site.ObservedAt,
	}, nil
}
