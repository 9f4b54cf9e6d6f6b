package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"

	"github.com/rs/zerolog"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
)

// GenerationResult reports what GenerateForPatient did with each template.
type GenerationResult struct {
	PatientID string  `json:"patient_id"`
	Created   []int64 `json:"created"`
	Existing  []int64 `json:"existing"`
	Submitted []int64 `json:"submitted"`
}

// PromptGenerationService turns patient records into prompts by rendering
// every active template.
type PromptGenerationService struct {
	lifecycle  *PromptLifecycleService
	patients   repositories.PatientRepository
	templates  repositories.PromptTemplateRepository
	autoSubmit bool
	logger     zerolog.Logger

	mu     sync.Mutex
	parsed map[string]*template.Template
}

func NewPromptGenerationService(
	lifecycle *PromptLifecycleService,
	patients repositories.PatientRepository,
	templates repositories.PromptTemplateRepository,
	autoSubmit bool,
) *PromptGenerationService {
	return &PromptGenerationService{
		lifecycle:  lifecycle,
		patients:   patients,
		templates:  templates,
		autoSubmit: autoSubmit,
		logger:     observability.ComponentLogger("prompt_generation"),
		parsed:     make(map[string]*template.Template),
	}
}

// SyncFunc adapts GenerateForPatient to the patient sync fan-out.
func (s *PromptGenerationService) SyncFunc() SyncFunc {
	return func(ctx context.Context, patientID string) error {
		_, err := s.GenerateForPatient(ctx, patientID)
		return err
	}
}

// GenerateForPatient renders each active template for the patient and
// creates the prompts. Rendering the same record twice yields the same
// prompts, so a rerun never duplicates work. Template failures are joined
// and do not stop the other templates.
func (s *PromptGenerationService) GenerateForPatient(ctx context.Context, patientID string) (*GenerationResult, error) {
	patient, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	result := &GenerationResult{PatientID: patientID}
	if !patient.Active {
		s.logger.Debug().Str("patient_id", patientID).Msg("Skipping inactive patient")
		return result, nil
	}

	templates, err := s.templates.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt templates: %w", err)
	}

	var errs []error
	for _, tmpl := range templates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		rendered, err := s.render(tmpl, patient)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		prompt, created, err := s.lifecycle.CreateOrGetPrompt(ctx, CreatePromptRequest{
			PatientID:        patient.ID,
			TemplateName:     tmpl.Name,
			ObjectiveContent: patient.ObjectiveContent,
			DailyRecords:     patient.DailyRecords,
			TemplateContent:  rendered,
			Priority:         tmpl.Priority,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", tmpl.Name, err))
			continue
		}
		if created {
			result.Created = append(result.Created, prompt.ID)
		} else {
			result.Existing = append(result.Existing, prompt.ID)
		}

		if s.autoSubmit && prompt.Status == entities.PromptStatusPending {
			if _, err := s.lifecycle.SubmitPrompt(ctx, prompt.ID, ActorSubmission); err != nil {
				errs = append(errs, fmt.Errorf("submit prompt %d: %w", prompt.ID, err))
				continue
			}
			result.Submitted = append(result.Submitted, prompt.ID)
		}
	}

	s.logger.Debug().
		Str("patient_id", patientID).
		Int("created", len(result.Created)).
		Int("existing", len(result.Existing)).
		Int("submitted", len(result.Submitted)).
		Msg("Generated prompts for patient")
	return result, errors.Join(errs...)
}

func (s *PromptGenerationService) render(tmpl *entities.PromptTemplate, patient *entities.Patient) (string, error) {
	parsed, err := s.compile(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, patient); err != nil {
		return "", apperrors.NewValidationError(fmt.Sprintf("template %s failed to render: %v", tmpl.Name, err))
	}
	return buf.String(), nil
}

// compile caches parsed templates by name and content so an edited
// template is picked up without a restart.
func (s *PromptGenerationService) compile(tmpl *entities.PromptTemplate) (*template.Template, error) {
	key := tmpl.Name + "\x00" + tmpl.Content

	s.mu.Lock()
	defer s.mu.Unlock()
	if parsed, ok := s.parsed[key]; ok {
		return parsed, nil
	}
	parsed, err := template.New(tmpl.Name).Option("missingkey=error").Parse(tmpl.Content)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("template %s is invalid: %v", tmpl.Name, err))
	}
	s.parsed[key] = parsed
	return parsed, nil
}
