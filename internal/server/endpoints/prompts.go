package endpoints

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/svcctx"
)

// promptsGroup places an endpoint's command under "tome api prompts".
type promptsGroup struct{}

func (promptsGroup) Group() string      { return "prompts" }
func (promptsGroup) GroupShort() string { return "Inspect and override generation prompts" }

// PromptResponse represents a single prompt as runs will see it.
type PromptResponse struct {
	Key         string   `json:"key"`
	Text        string   `json:"text"`
	Description string   `json:"description,omitempty"`
	Variables   []string `json:"variables,omitempty"`
	Hash        string   `json:"hash,omitempty"`
	IsOverride  bool     `json:"is_override"`
}

// PromptsListResponse contains all prompts.
type PromptsListResponse struct {
	Prompts []PromptResponse `json:"prompts"`
}

// SetPromptRequest is the request body for setting a prompt override.
type SetPromptRequest struct {
	Text string `json:"text"`
}

// promptFor resolves key, reporting false for keys with no embedded default.
func promptFor(resolver *prompts.Resolver, key string) (PromptResponse, bool) {
	var embedded *prompts.EmbeddedPrompt
	for _, p := range resolver.AllEmbedded() {
		if p.Key == key {
			embedded = &p
			break
		}
	}
	if embedded == nil {
		return PromptResponse{}, false
	}
	resolved, err := resolver.Resolve(key)
	if err != nil {
		return PromptResponse{}, false
	}
	return PromptResponse{
		Key:         key,
		Text:        resolved.Text,
		Description: embedded.Description,
		Variables:   resolved.Variables,
		Hash:        resolved.Hash,
		IsOverride:  resolved.IsOverride,
	}, true
}

func promptKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(r.PathValue("key"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "invalid prompt key")
		return "", false
	}
	return key, true
}

// ListPromptsEndpoint handles GET /api/v1/prompts.
type ListPromptsEndpoint struct{ promptsGroup }

func (e *ListPromptsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/prompts", e.handler
}

func (e *ListPromptsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List all prompts
//	@Description	Every prompt with the text runs will use, marking overridden ones
//	@Tags			prompts
//	@Produce		json
//	@Success		200	{object}	PromptsListResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/v1/prompts [get]
func (e *ListPromptsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resolver := svcctx.PromptsFrom(r.Context())
	if resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "prompt resolver not available")
		return
	}

	embedded := resolver.AllEmbedded()
	sort.Slice(embedded, func(i, j int) bool {
		return embedded[i].Key < embedded[j].Key
	})

	resp := PromptsListResponse{Prompts: make([]PromptResponse, 0, len(embedded))}
	for _, p := range embedded {
		if pr, ok := promptFor(resolver, p.Key); ok {
			resp.Prompts = append(resp.Prompts, pr)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListPromptsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PromptsListResponse
			if err := client.Get(cmd.Context(), "/api/v1/prompts", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetPromptEndpoint handles GET /api/v1/prompts/{key}.
type GetPromptEndpoint struct{ promptsGroup }

func (e *GetPromptEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/prompts/{key}", e.handler
}

func (e *GetPromptEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get a prompt
//	@Tags			prompts
//	@Produce		json
//	@Param			key	path		string	true	"Prompt key (e.g., expansion.plan)"
//	@Success		200	{object}	PromptResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/v1/prompts/{key} [get]
func (e *GetPromptEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := promptKey(w, r)
	if !ok {
		return
	}
	resolver := svcctx.PromptsFrom(r.Context())
	if resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "prompt resolver not available")
		return
	}
	pr, ok := promptFor(resolver, key)
	if !ok {
		writeError(w, http.StatusNotFound, "prompt not found")
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (e *GetPromptEndpoint) Command(getServerURL func() string) *cobra.Command {
	var textOnly bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Show a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PromptResponse
			if err := client.Get(cmd.Context(), "/api/v1/prompts/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			if textOnly {
				_, err := os.Stdout.WriteString(resp.Text)
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&textOnly, "text", false, "Print only the prompt text")
	return cmd
}

// SetPromptEndpoint handles PUT /api/v1/prompts/{key}.
type SetPromptEndpoint struct{ promptsGroup }

func (e *SetPromptEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/v1/prompts/{key}", e.handler
}

func (e *SetPromptEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Override a prompt
//	@Description	Stores an override in the home directory. New runs pick it up immediately.
//	@Tags			prompts
//	@Accept			json
//	@Produce		json
//	@Param			key		path		string				true	"Prompt key"
//	@Param			body	body		SetPromptRequest	true	"Override text"
//	@Success		200		{object}	PromptResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/v1/prompts/{key} [put]
func (e *SetPromptEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := promptKey(w, r)
	if !ok {
		return
	}
	resolver := svcctx.PromptsFrom(r.Context())
	if resolver == nil || resolver.Store() == nil {
		writeError(w, http.StatusServiceUnavailable, "prompt overrides not available")
		return
	}
	if _, ok := promptFor(resolver, key); !ok {
		writeError(w, http.StatusNotFound, "prompt not found")
		return
	}

	var req SetPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "request body must contain non-empty text")
		return
	}
	if err := prompts.ValidateTemplate(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := resolver.Store().Set(key, req.Text); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	pr, _ := promptFor(resolver, key)
	writeJSON(w, http.StatusOK, pr)
}

func (e *SetPromptEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Override a prompt from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var resp PromptResponse
			path := "/api/v1/prompts/" + url.PathEscape(args[0])
			if err := client.Put(cmd.Context(), path, SetPromptRequest{Text: string(text)}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "File holding the override text")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// ClearPromptEndpoint handles DELETE /api/v1/prompts/{key}.
type ClearPromptEndpoint struct{ promptsGroup }

func (e *ClearPromptEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/v1/prompts/{key}", e.handler
}

func (e *ClearPromptEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Remove a prompt override
//	@Tags			prompts
//	@Produce		json
//	@Param			key	path		string	true	"Prompt key"
//	@Success		200	{object}	PromptResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/v1/prompts/{key} [delete]
func (e *ClearPromptEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := promptKey(w, r)
	if !ok {
		return
	}
	resolver := svcctx.PromptsFrom(r.Context())
	if resolver == nil || resolver.Store() == nil {
		writeError(w, http.StatusServiceUnavailable, "prompt overrides not available")
		return
	}
	if _, ok := promptFor(resolver, key); !ok {
		writeError(w, http.StatusNotFound, "prompt not found")
		return
	}
	if err := resolver.Store().Delete(key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	pr, _ := promptFor(resolver, key)
	writeJSON(w, http.StatusOK, pr)
}

func (e *ClearPromptEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <key>",
		Short: "Remove a prompt override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PromptResponse
			if err := client.Delete(cmd.Context(), "/api/v1/prompts/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
