package endpoints

import (
	"github.com/jackzampolin/tome/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},
		&MetricsEndpoint{},

		// Generation
		&GenerateEndpoint{},

		// Job endpoints
		&ListJobsEndpoint{},
		&GetJobEndpoint{},
		&ProgressEndpoint{},
		&JobLogsEndpoint{},
		&DownloadEndpoint{},
		&CancelJobEndpoint{},

		// Dead letter endpoints
		&ListDeadLettersEndpoint{},
		&GetDeadLetterEndpoint{},
		&DeadLetterSummaryEndpoint{},
		&ReplayDeadLettersEndpoint{},
		&PurgeDeadLettersEndpoint{},

		// Settings endpoints
		&ListSettingsEndpoint{},
		&GetSettingEndpoint{},
		&UpdateSettingEndpoint{},
		&ResetSettingEndpoint{},

		// Prompt endpoints
		&ListPromptsEndpoint{},
		&GetPromptEndpoint{},
		&SetPromptEndpoint{},
		&ClearPromptEndpoint{},

		// Swagger/OpenAPI endpoints
		&SwaggerEndpoint{},
		&SwaggerUIEndpoint{},
	}
}
