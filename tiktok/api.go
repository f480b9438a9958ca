package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/logger"
	"github.com/whisper-darkly/tiktok-recorder/roomcache"
)

// flexID decodes a JSON id that the platform serves either as a string or a
// bare number, depending on the endpoint.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexID(s)
	return nil
}

// Config wires an API client together. Endpoint fields exist so tests can
// point the client at fake upstreams; zero values mean production defaults.
type Config struct {
	Client *Client
	Cache  *roomcache.Cache
	Log    *logger.Logger

	BaseURL    string
	WebcastURL string
	SignerURL  string
	RoomAPIURL string

	// ResolveAttempts is the per-provider retry budget (default 10).
	ResolveAttempts int
	// RetryMinDelay/RetryMaxDelay bound the randomized pause between
	// provider retries (defaults 5s/10s).
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
}

// API talks to the platform and its lookup providers: room id resolution,
// liveness checks, stream descriptor extraction and account lookups.
type API struct {
	client *Client
	cache  *roomcache.Cache
	log    *logger.Logger

	baseURL    string
	webcastURL string
	signerURL  string
	roomAPIURL string

	resolveAttempts int
	retryMinDelay   time.Duration
	retryMaxDelay   time.Duration
}

// New creates an API. Client and Log are required; Cache may be nil, which
// disables the cache fallback and write-back.
func New(cfg Config) *API {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.WebcastURL == "" {
		cfg.WebcastURL = DefaultWebcastURL
	}
	if cfg.SignerURL == "" {
		cfg.SignerURL = DefaultSignerURL
	}
	if cfg.RoomAPIURL == "" {
		cfg.RoomAPIURL = DefaultRoomAPIURL
	}
	if cfg.ResolveAttempts <= 0 {
		cfg.ResolveAttempts = 10
	}
	if cfg.RetryMinDelay <= 0 {
		cfg.RetryMinDelay = 5 * time.Second
	}
	if cfg.RetryMaxDelay <= cfg.RetryMinDelay {
		cfg.RetryMaxDelay = cfg.RetryMinDelay + 5*time.Second
	}

	return &API{
		client:          cfg.Client,
		cache:           cfg.Cache,
		log:             cfg.Log,
		baseURL:         cfg.BaseURL,
		webcastURL:      cfg.WebcastURL,
		signerURL:       cfg.SignerURL,
		roomAPIURL:      cfg.RoomAPIURL,
		resolveAttempts: cfg.ResolveAttempts,
		retryMinDelay:   cfg.RetryMinDelay,
		retryMaxDelay:   cfg.RetryMaxDelay,
	}
}

// IsRoomAlive reports whether the room is currently broadcasting. An empty
// or absent result list means not live. A stale room id from an ended
// broadcast lands here too, and comes back as a plain false.
func (a *API) IsRoomAlive(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, ErrRoomIDMissing
	}

	body, err := a.client.Get(ctx,
		a.webcastURL+"/webcast/room/check_alive/?aid=1988&region=CH&room_ids="+roomID+"&user_is_login=true")
	if err != nil {
		return false, fmt.Errorf("check alive: %w", err)
	}

	var resp struct {
		Data []struct {
			Alive bool `json:"alive"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("parse check_alive response: %w", err)
	}
	if len(resp.Data) == 0 {
		return false, nil
	}
	return resp.Data[0].Alive, nil
}

// StreamDescriptor holds the playable endpoints for a live room. FLV is the
// continuous transport, HLS the segmented one; either may be empty.
type StreamDescriptor struct {
	FLV string
	HLS string
}

// restrictionStatusCode is the platform status for a viewer-restricted live.
const restrictionStatusCode = 4003110

// legacyQualityLabels in descending preference order, for responses without
// the SDK quality table.
var legacyQualityLabels = []string{"FULL_HD1", "HD1", "SD2", "SD1"}

// FetchStreamDescriptor resolves the best-quality stream endpoints for a
// room. Returns (nil, nil) when the room info carries no usable URL — a soft
// failure the caller may retry — and ErrContentRestricted when the platform
// explicitly withholds the stream.
func (a *API) FetchStreamDescriptor(ctx context.Context, roomID string) (*StreamDescriptor, error) {
	if roomID == "" {
		return nil, ErrRoomIDMissing
	}

	body, err := a.client.Get(ctx, a.webcastURL+"/webcast/room/info/?aid=1988&room_id="+roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch room info: %w", err)
	}
	if bytes.Contains(body, []byte("This account is private")) {
		return nil, ErrAccountPrivate
	}

	var info struct {
		StatusCode int `json:"status_code"`
		Data       struct {
			StreamURL struct {
				RTMPPullURL     string            `json:"rtmp_pull_url"`
				FLVPullURL      map[string]string `json:"flv_pull_url"`
				HLSPullURL      string            `json:"hls_pull_url"`
				HLSPullURLMap   map[string]string `json:"hls_pull_url_map"`
				LiveCoreSDKData struct {
					PullData struct {
						StreamData string `json:"stream_data"`
						Options    struct {
							Qualities []struct {
								SDKKey string `json:"sdk_key"`
								Level  int    `json:"level"`
							} `json:"qualities"`
						} `json:"options"`
					} `json:"pull_data"`
				} `json:"live_core_sdk_data"`
			} `json:"stream_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse room info: %w", err)
	}

	su := info.Data.StreamURL

	if su.LiveCoreSDKData.PullData.StreamData == "" {
		a.log.Warn("no SDK stream data in room info, falling back to legacy URLs")
		desc := &StreamDescriptor{
			FLV: firstLabel(su.FLVPullURL, legacyQualityLabels),
			HLS: firstLabel(su.HLSPullURLMap, legacyQualityLabels),
		}
		if desc.FLV == "" {
			desc.FLV = su.RTMPPullURL
		}
		if desc.HLS == "" {
			desc.HLS = su.HLSPullURL
		}
		if desc.FLV == "" && desc.HLS == "" {
			if info.StatusCode == restrictionStatusCode {
				return nil, ErrContentRestricted
			}
			return nil, nil
		}
		return desc, nil
	}

	qualities := su.LiveCoreSDKData.PullData.Options.Qualities
	if len(qualities) == 0 {
		a.log.Warn("SDK stream data present but quality table is empty")
		return nil, nil
	}
	levels := make(map[string]int, len(qualities))
	for _, q := range qualities {
		levels[q.SDKKey] = q.Level
	}

	desc, err := pickSDKStream(su.LiveCoreSDKData.PullData.StreamData, levels)
	if err != nil {
		return nil, fmt.Errorf("parse SDK stream data: %w", err)
	}
	if desc.FLV == "" && desc.HLS == "" {
		if info.StatusCode == restrictionStatusCode {
			return nil, ErrContentRestricted
		}
		return nil, nil
	}
	return desc, nil
}

// pickSDKStream walks the SDK stream table in document order and keeps the
// entry with the strictly highest quality level; ties keep the first seen.
// Document order matters because Go map iteration would make tie-breaking
// nondeterministic.
func pickSDKStream(streamData string, levels map[string]int) (*StreamDescriptor, error) {
	var outer struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(streamData), &outer); err != nil {
		return nil, err
	}
	if len(outer.Data) == 0 {
		return &StreamDescriptor{}, nil
	}

	keys, values, err := decodeOrderedObject(outer.Data)
	if err != nil {
		return nil, err
	}

	best := &StreamDescriptor{}
	bestLevel := -1
	for _, key := range keys {
		level, ok := levels[key]
		if !ok {
			level = -1
		}
		if level <= bestLevel {
			continue
		}

		var entry struct {
			Main struct {
				FLV string `json:"flv"`
				HLS string `json:"hls"`
			} `json:"main"`
		}
		if err := json.Unmarshal(values[key], &entry); err != nil {
			continue
		}

		bestLevel = level
		best.FLV = entry.Main.FLV
		best.HLS = entry.Main.HLS
	}
	return best, nil
}

// decodeOrderedObject splits a JSON object into its keys in document order
// plus a key → raw value map.
func decodeOrderedObject(raw []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var keys []string
	values := map[string]json.RawMessage{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", kt)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = v
	}
	return keys, values, nil
}

// firstLabel returns the first non-empty URL among the labels, in order.
func firstLabel(urls map[string]string, labels []string) string {
	for _, l := range labels {
		if u := urls[l]; u != "" {
			return u
		}
	}
	return ""
}

// UserFromRoomID recovers the username that owns a room id.
func (a *API) UserFromRoomID(ctx context.Context, roomID string) (string, error) {
	if roomID == "" {
		return "", ErrRoomIDMissing
	}

	body, err := a.client.Get(ctx, a.webcastURL+"/webcast/room/info/?aid=1988&room_id="+roomID)
	if err != nil {
		return "", fmt.Errorf("fetch room info: %w", err)
	}
	if bytes.Contains(body, []byte("Follow the creator to watch their LIVE")) ||
		bytes.Contains(body, []byte("This account is private")) {
		return "", ErrAccountPrivate
	}

	var info struct {
		Data struct {
			Owner struct {
				DisplayID string `json:"display_id"`
			} `json:"owner"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("parse room info: %w", err)
	}
	if info.Data.Owner.DisplayID == "" {
		return "", fmt.Errorf("room %s: no owner in room info", roomID)
	}
	return info.Data.Owner.DisplayID, nil
}

var liveURLPattern = regexp.MustCompile(`https?://(?:www\.)?tiktok\.com/@([^/]+)/live`)
var mobileLivePattern = regexp.MustCompile(`com/@(.*?)/live`)

// UserFromLiveURL extracts the username from a live URL, following at most
// one mobile-share hop. A redirect to the login page means the region is
// blocked.
func (a *API) UserFromLiveURL(ctx context.Context, liveURL string) (string, error) {
	status, body, err := a.client.GetNoRedirect(ctx, liveURL)
	if err != nil {
		return "", fmt.Errorf("fetch live URL: %w", err)
	}

	if status == http.StatusFound {
		return "", ErrGeoBlocked
	}
	if status == http.StatusMovedPermanently { // mobile share URL
		if m := mobileLivePattern.FindSubmatch(body); m != nil {
			return string(m[1]), nil
		}
		return "", ErrInvalidLiveURL
	}
	if m := liveURLPattern.FindStringSubmatch(liveURL); m != nil {
		return m[1], nil
	}
	return "", ErrInvalidLiveURL
}

// IsCountryBlacklisted checks whether the current connection's region
// requires a login before live content is served.
func (a *API) IsCountryBlacklisted(ctx context.Context) (bool, error) {
	status, _, err := a.client.GetNoRedirect(ctx, a.baseURL+"/live")
	if err != nil {
		return false, fmt.Errorf("geo check: %w", err)
	}
	return status == http.StatusFound, nil
}

var secUIDPattern = regexp.MustCompile(`"secUid":"(.*?)",`)

// SecUID returns the sec_uid of the authenticated account, used to paginate
// the followers list.
func (a *API) SecUID(ctx context.Context) (string, error) {
	body, err := a.client.Get(ctx, a.baseURL+"/foryou")
	if err != nil {
		return "", fmt.Errorf("fetch foryou: %w", err)
	}
	if m := secUIDPattern.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}
	return "", fmt.Errorf("sec_uid not found; is the session cookie valid?")
}

// Followers pages through the authenticated account's follower list and
// returns the usernames.
func (a *API) Followers(ctx context.Context, secUID string) ([]string, error) {
	var followers []string
	cursor := int64(0)

	for {
		url := fmt.Sprintf(
			"%s/api/user/list/?aid=1988&count=30&maxCursor=%d&minCursor=%d&scene=21&secUid=%s",
			a.baseURL, cursor, cursor, secUID)

		body, err := a.client.Get(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("fetch followers page: %w", err)
		}

		var page struct {
			UserList []struct {
				User struct {
					UniqueID string `json:"uniqueId"`
				} `json:"user"`
			} `json:"userList"`
			HasMore   bool  `json:"hasMore"`
			MinCursor int64 `json:"minCursor"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("parse followers page: %w", err)
		}

		for _, u := range page.UserList {
			if u.User.UniqueID != "" {
				followers = append(followers, u.User.UniqueID)
			}
		}

		if !page.HasMore || page.MinCursor == cursor {
			break
		}
		cursor = page.MinCursor
	}

	if len(followers) == 0 {
		return nil, fmt.Errorf("followers list is empty")
	}
	return followers, nil
}
