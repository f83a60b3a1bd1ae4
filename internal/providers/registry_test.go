package providers

import (
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("register and get LLM", func(t *testing.T) {
		r := NewRegistry()
		mock := NewMockClient()

		r.RegisterLLM("test-llm", mock)

		client, err := r.GetLLM("test-llm")
		if err != nil {
			t.Fatalf("GetLLM() error = %v", err)
		}
		if client != mock {
			t.Error("got different client than registered")
		}
	})

	t.Run("get nonexistent LLM", func(t *testing.T) {
		r := NewRegistry()

		_, err := r.GetLLM("nonexistent")
		if err == nil {
			t.Error("expected error for nonexistent LLM")
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		r := NewRegistry()
		r.RegisterLLM("b", NewMockClient())
		r.RegisterLLM("a", NewMockClient())

		list := r.ListLLM()
		if len(list) != 2 || list[0] != "a" || list[1] != "b" {
			t.Errorf("ListLLM() = %v", list)
		}
	})

	t.Run("unregister", func(t *testing.T) {
		r := NewRegistry()
		r.RegisterLLM("x", NewMockClient())
		r.UnregisterLLM("x")
		if r.HasLLM("x") {
			t.Error("HasLLM() = true after unregister")
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup

		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				r.RegisterLLM("llm", NewMockClient())
			}()
			go func() {
				defer wg.Done()
				_, _ = r.GetLLM("llm")
				_ = r.ListLLM()
			}()
		}

		wg.Wait()
	})
}

func TestNewRegistryFromConfig(t *testing.T) {
	t.Run("registers providers from config", func(t *testing.T) {
		r := NewRegistryFromConfig(RegistryConfig{
			LLMProviders: map[string]LLMProviderConfig{
				"gemini": {Type: "openai", Model: "gemini-2.5-flash", APIKey: "key", Enabled: true},
				"local":  {Type: "ollama", Model: "llama3", Enabled: true},
				"fake":   {Type: "mock", Enabled: true},
			},
		})

		for _, name := range []string{"gemini", "local", "fake"} {
			if !r.HasLLM(name) {
				t.Errorf("expected %s to be registered", name)
			}
		}
		client, _ := r.GetLLM("gemini")
		if oc, ok := client.(*OpenAIClient); !ok || oc.Model() != "gemini-2.5-flash" || oc.Name() != "gemini" {
			t.Errorf("unexpected client %#v", client)
		}
	})

	t.Run("skips disabled providers", func(t *testing.T) {
		r := NewRegistryFromConfig(RegistryConfig{
			LLMProviders: map[string]LLMProviderConfig{
				"off": {Type: "openai", APIKey: "key", Enabled: false},
			},
		})
		if r.HasLLM("off") {
			t.Error("disabled provider should not be registered")
		}
	})

	t.Run("skips providers without API keys", func(t *testing.T) {
		r := NewRegistryFromConfig(RegistryConfig{
			LLMProviders: map[string]LLMProviderConfig{
				"nokey": {Type: "openai", Enabled: true},
			},
		})
		if r.HasLLM("nokey") {
			t.Error("provider without key should not be registered")
		}
	})

	t.Run("skips unknown types", func(t *testing.T) {
		r := NewRegistryFromConfig(RegistryConfig{
			LLMProviders: map[string]LLMProviderConfig{
				"weird": {Type: "carrier-pigeon", APIKey: "key", Enabled: true},
			},
		})
		if r.HasLLM("weird") {
			t.Error("unknown type should not be registered")
		}
	})
}

func TestRegistryReload(t *testing.T) {
	cfg := RegistryConfig{
		LLMProviders: map[string]LLMProviderConfig{
			"a": {Type: "openai", Model: "m1", APIKey: "k", Enabled: true},
			"b": {Type: "openai", Model: "m1", APIKey: "k", Enabled: true},
		},
	}
	r := NewRegistryFromConfig(cfg)
	before, _ := r.GetLLM("a")

	t.Run("unchanged config keeps clients", func(t *testing.T) {
		r.Reload(cfg)
		after, _ := r.GetLLM("a")
		if before != after {
			t.Error("client was recreated for unchanged config")
		}
	})

	t.Run("changed model recreates client", func(t *testing.T) {
		cfg.LLMProviders["a"] = LLMProviderConfig{Type: "openai", Model: "m2", APIKey: "k", Enabled: true}
		r.Reload(cfg)
		after, _ := r.GetLLM("a")
		if before == after {
			t.Error("client was not recreated after model change")
		}
	})

	t.Run("removed provider unregistered", func(t *testing.T) {
		delete(cfg.LLMProviders, "b")
		r.Reload(cfg)
		if r.HasLLM("b") {
			t.Error("removed provider still registered")
		}
	})
}
