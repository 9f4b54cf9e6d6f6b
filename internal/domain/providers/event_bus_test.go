package providers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
)

func TestPromptEventChannels(t *testing.T) {
	t.Run("with patient", func(t *testing.T) {
		channels := providers.PromptEventChannels(&entities.PromptEvent{PromptID: 42, PatientID: "P001"})
		assert.Equal(t, []string{"prompt:updates", "prompt:42", "patient:P001"}, channels)
	})

	t.Run("without patient", func(t *testing.T) {
		channels := providers.PromptEventChannels(&entities.PromptEvent{PromptID: 7})
		assert.Equal(t, []string{"prompt:updates", "prompt:7"}, channels)
	})
}
