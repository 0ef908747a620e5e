// Package voices fetches the synthesis voice catalog from the conversation
// server.
package voices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Voice is one synthesis voice as the speech engine reports it. Field names
// follow the engine's own JSON casing.
type Voice struct {
	ShortName    string `json:"ShortName"`
	Gender       string `json:"Gender"`
	Locale       string `json:"Locale"`
	FriendlyName string `json:"FriendlyName"`
}

// Client queries the server's voice catalog endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a catalog client for the given server base URL
// (e.g. http://127.0.0.1:8000).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// List fetches every available voice, sorted by locale then short name.
func (c *Client) List(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("voices: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voices: fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("voices: server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var list []Voice
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("voices: decode catalog: %w", err)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Locale != list[j].Locale {
			return list[i].Locale < list[j].Locale
		}
		return list[i].ShortName < list[j].ShortName
	})
	return list, nil
}

// ByLocale filters a catalog to voices whose locale matches the prefix,
// case-insensitively. An empty prefix returns the input unchanged.
func ByLocale(list []Voice, prefix string) []Voice {
	if prefix == "" {
		return list
	}
	prefix = strings.ToLower(prefix)
	out := make([]Voice, 0, len(list))
	for _, v := range list {
		if strings.HasPrefix(strings.ToLower(v.Locale), prefix) {
			out = append(out, v)
		}
	}
	return out
}
