package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/svcctx"
)

// settingsGroup places an endpoint's command under "tome api settings".
type settingsGroup struct{}

func (settingsGroup) Group() string      { return "settings" }
func (settingsGroup) GroupShort() string { return "Read and change the server's configuration" }

// SettingsResponse contains all config entries keyed by name.
type SettingsResponse struct {
	Settings map[string]config.Entry `json:"settings"`
	File     string                  `json:"file,omitempty"`
}

// SettingResponse contains a single config entry.
type SettingResponse struct {
	Entry *config.Entry `json:"entry,omitempty"`
	Error string        `json:"error,omitempty"`
}

// UpdateSettingRequest is the request body for updating a setting.
type UpdateSettingRequest struct {
	Value any `json:"value"`
}

// settingEntry returns the effective value of key with its description.
func settingEntry(cm *config.Manager, key string) (*config.Entry, error) {
	value, err := cm.Lookup(key)
	if err != nil {
		return nil, err
	}
	entry := &config.Entry{Key: key, Value: redactSecrets(key, value)}
	if def := config.GetDefault(key); def != nil {
		entry.Description = def.Description
	}
	return entry, nil
}

// redactSecrets hides literal API keys. ${ENV_VAR} references are shown.
func redactSecrets(key string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, sub := range v {
			out[k] = redactSecrets(k, sub)
		}
		return out
	case string:
		if strings.HasSuffix(key, "api_key") && v != "" && !strings.HasPrefix(v, "${") {
			return "****"
		}
	}
	return value
}

// writeSettingError maps config errors to status codes.
func writeSettingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, config.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, config.ErrUnknownKey), errors.Is(err, config.ErrNoDefault):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, config.ErrNoConfigFile):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func settingKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key encoding")
		return "", false
	}
	if err := config.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return key, true
}

// ListSettingsEndpoint handles GET /api/v1/settings.
type ListSettingsEndpoint struct{ settingsGroup }

func (e *ListSettingsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/settings", e.handler
}

func (e *ListSettingsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List all settings
//	@Description	Effective configuration after defaults, the config file and TOME_ environment variables
//	@Tags			settings
//	@Produce		json
//	@Success		200	{object}	SettingsResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/v1/settings [get]
func (e *ListSettingsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	cm := svcctx.ConfigFrom(r.Context())
	if cm == nil {
		writeError(w, http.StatusServiceUnavailable, "config not available")
		return
	}

	resp := SettingsResponse{Settings: make(map[string]config.Entry), File: cm.ConfigFile()}
	for _, def := range config.DefaultEntries() {
		entry, err := settingEntry(cm, def.Key)
		if err != nil {
			continue
		}
		resp.Settings[def.Key] = *entry
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListSettingsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SettingsResponse
			if err := client.Get(cmd.Context(), "/api/v1/settings", &resp); err != nil {
				return err
			}

			keys := make([]string, 0, len(resp.Settings))
			for k := range resp.Settings {
				if prefix == "" || strings.HasPrefix(k, prefix) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)

			entries := make([]config.Entry, 0, len(keys))
			for _, k := range keys {
				entries = append(entries, resp.Settings[k])
			}
			return api.Output(entries)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Filter by key prefix (e.g., 'expansion.')")
	return cmd
}

// GetSettingEndpoint handles GET /api/v1/settings/{key...}.
type GetSettingEndpoint struct{ settingsGroup }

func (e *GetSettingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/settings/{key...}", e.handler
}

func (e *GetSettingEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get a setting
//	@Description	Get a single configuration setting by key
//	@Tags			settings
//	@Produce		json
//	@Param			key	path		string	true	"Setting key (e.g., expansion.max_revisions)"
//	@Success		200	{object}	SettingResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/v1/settings/{key} [get]
func (e *GetSettingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := settingKey(w, r)
	if !ok {
		return
	}
	cm := svcctx.ConfigFrom(r.Context())
	if cm == nil {
		writeError(w, http.StatusServiceUnavailable, "config not available")
		return
	}

	entry, err := settingEntry(cm, key)
	if err != nil {
		writeSettingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettingResponse{Entry: entry})
}

func (e *GetSettingEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a setting by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SettingResponse
			if err := client.Get(cmd.Context(), "/api/v1/settings/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp.Entry)
		},
	}
}

// UpdateSettingEndpoint handles PUT /api/v1/settings/{key...}.
type UpdateSettingEndpoint struct{ settingsGroup }

func (e *UpdateSettingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/v1/settings/{key...}", e.handler
}

func (e *UpdateSettingEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Update a setting
//	@Description	Writes the value to the config file in use. Running jobs keep the settings they started with.
//	@Tags			settings
//	@Accept			json
//	@Produce		json
//	@Param			key		path		string					true	"Setting key"
//	@Param			body	body		UpdateSettingRequest	true	"New value"
//	@Success		200		{object}	SettingResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/api/v1/settings/{key} [put]
func (e *UpdateSettingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := settingKey(w, r)
	if !ok {
		return
	}

	var req UpdateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cm := svcctx.ConfigFrom(r.Context())
	if cm == nil {
		writeError(w, http.StatusServiceUnavailable, "config not available")
		return
	}

	if err := cm.Set(key, req.Value); err != nil {
		writeSettingError(w, err)
		return
	}
	if logger := svcctx.LoggerFrom(r.Context()); logger != nil {
		logger.Info("setting updated", "key", key)
	}

	entry, err := settingEntry(cm, key)
	if err != nil {
		writeSettingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettingResponse{Entry: entry})
}

func (e *UpdateSettingEndpoint) Command(getServerURL func() string) *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Update a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			// Parse value as JSON
			var parsedValue any
			if err := json.Unmarshal([]byte(value), &parsedValue); err != nil {
				// If not valid JSON, treat as string
				parsedValue = value
			}

			var resp SettingResponse
			path := "/api/v1/settings/" + url.PathEscape(args[0])
			if err := client.Put(cmd.Context(), path, UpdateSettingRequest{Value: parsedValue}, &resp); err != nil {
				return err
			}
			return api.Output(resp.Entry)
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "New value (JSON or string)")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

// ResetSettingEndpoint handles POST /api/v1/settings/reset/{key...}.
type ResetSettingEndpoint struct{ settingsGroup }

func (e *ResetSettingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/settings/reset/{key...}", e.handler
}

func (e *ResetSettingEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Reset a setting to default
//	@Description	Reset a configuration setting to its default value
//	@Tags			settings
//	@Produce		json
//	@Param			key	path		string	true	"Setting key"
//	@Success		200	{object}	SettingResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/api/v1/settings/reset/{key} [post]
func (e *ResetSettingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := settingKey(w, r)
	if !ok {
		return
	}
	cm := svcctx.ConfigFrom(r.Context())
	if cm == nil {
		writeError(w, http.StatusServiceUnavailable, "config not available")
		return
	}

	if err := cm.ResetToDefault(key); err != nil {
		writeSettingError(w, err)
		return
	}

	entry, err := settingEntry(cm, key)
	if err != nil {
		writeSettingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettingResponse{Entry: entry})
}

func (e *ResetSettingEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Reset a setting to its default value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SettingResponse
			path := "/api/v1/settings/reset/" + url.PathEscape(args[0])
			if err := client.Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp.Entry)
		},
	}
}
