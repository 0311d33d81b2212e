package model

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// JSONUnmarshal is the single place API payloads are decoded.
func JSONUnmarshal(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}

// ----------------------------------------------------------------------
// Cached records
// ----------------------------------------------------------------------

// Token is the persisted form of an OAuth bearer token. Expiration is the
// absolute expiry in unix seconds, computed when the token was issued.
type Token struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type,omitempty"`
	ExpiresIn   int64   `json:"expires_in"`
	Expiration  float64 `json:"expiration"`
}

// ExpiresAt returns the absolute expiry instant.
func (t Token) ExpiresAt() time.Time {
	sec := int64(t.Expiration)
	nsec := int64((t.Expiration - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// ValidAt reports whether the token can still be used at now.
func (t Token) ValidAt(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt())
}

// OAuth2 converts the record for use with golang.org/x/oauth2 consumers.
func (t Token) OAuth2() *oauth2.Token {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: t.AccessToken,
		TokenType:   tokenType,
		Expiry:      t.ExpiresAt(),
	}
}

// App is one entry of the tracked application catalog. Only the
// attributes requested in the projection are populated.
type App struct {
	AppName             string          `json:"appName"`
	AppVersions         json.RawMessage `json:"appVersions,omitempty"`
	LatestVersionString string          `json:"latestVersionString,omitempty"`
	LinkToAppStore      string          `json:"linkToAppStore,omitempty"`
	IconURL             string          `json:"iconURL,omitempty"`
	CrashPercent        *float64        `json:"crashPercent,omitempty"`
	Latency             *float64        `json:"latency,omitempty"`
	MAU                 *float64        `json:"mau,omitempty"`
	DAU                 *float64        `json:"dau,omitempty"`
	Rating              *float64        `json:"rating,omitempty"`
	// Links is the navigation section of the API response. It is stripped
	// before the catalog is cached.
	Links json.RawMessage `json:"links,omitempty"`
}

// Apps is the catalog keyed by app id.
type Apps map[string]App

// AppTimezone is one entry of the app_timezones configuration, stored as
// a JSON array: [appName, gmtOffsetHours, countryCode].
type AppTimezone struct {
	AppName   string
	GMTOffset int
	Country   string
}

func (a *AppTimezone) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("app timezone entry needs 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &a.AppName); err != nil {
		return fmt.Errorf("app name: %w", err)
	}
	if err := json.Unmarshal(raw[1], &a.GMTOffset); err != nil {
		return fmt.Errorf("gmt offset: %w", err)
	}
	if err := json.Unmarshal(raw[2], &a.Country); err != nil {
		return fmt.Errorf("country: %w", err)
	}
	return nil
}

// UnmarshalYAML accepts the same [appName, gmtOffsetHours, countryCode]
// triple inside the YAML configuration file.
func (a *AppTimezone) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode || len(node.Content) != 3 {
		return fmt.Errorf("line %d: app timezone entry needs [name, offset, country]", node.Line)
	}
	if err := node.Content[0].Decode(&a.AppName); err != nil {
		return fmt.Errorf("app name: %w", err)
	}
	if err := node.Content[1].Decode(&a.GMTOffset); err != nil {
		return fmt.Errorf("gmt offset: %w", err)
	}
	if err := node.Content[2].Decode(&a.Country); err != nil {
		return fmt.Errorf("country: %w", err)
	}
	return nil
}

func (a AppTimezone) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{a.AppName, a.GMTOffset, a.Country})
}

// ----------------------------------------------------------------------
// API requests and responses
// ----------------------------------------------------------------------

// QueryParams is the body of the errorMonitoring and performanceManagement
// endpoints, wrapped as {"params": {...}}.
type QueryParams struct {
	Graph    string            `json:"graph"`
	Duration int               `json:"duration"`
	AppID    string            `json:"appId,omitempty"`
	AppIDs   []string          `json:"appIds,omitempty"`
	GroupBy  string            `json:"groupBy,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
}

type QueryRequest struct {
	Params QueryParams `json:"params"`
}

// GraphResponse is returned by errorMonitoring/graph.
type GraphResponse struct {
	Data struct {
		Start  string   `json:"start"`
		End    string   `json:"end"`
		Series []Series `json:"series"`
	} `json:"data"`
}

type Series struct {
	Name   string    `json:"name"`
	Points []float64 `json:"points"`
}

// PieResponse is returned by the errorMonitoring/pie and
// performanceManagement/pie endpoints.
type PieResponse struct {
	Data struct {
		Start  string  `json:"start"`
		End    string  `json:"end"`
		Slices []Slice `json:"slices"`
	} `json:"data"`
}

type Slice struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// LiveStatsPeriodic is returned by liveStats/periodic.
type LiveStatsPeriodic struct {
	Success      int           `json:"success"`
	PeriodicData []PeriodicBin `json:"periodic_data"`
}

// PeriodicBin is one 10 second bucket. Time is in milliseconds since epoch.
type PeriodicBin struct {
	Time          int64   `json:"time"`
	AppLoads      float64 `json:"app_loads"`
	AppErrors     float64 `json:"app_errors"`
	AppExceptions float64 `json:"app_exceptions"`
}
