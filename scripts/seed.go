package main

import (
	"context"
	"os"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
)

const defaultSchemaFile = "migrations/001_prompt_lifecycle.sql"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	observability.InitLogger("seed", "development", cfg.LogLevel)

	ctx := context.Background()

	pgClient, err := postgres.NewClient(ctx, "local", &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to DB")
	}
	defer pgClient.Close()

	schemaFile := os.Getenv("SCHEMA_FILE")
	if schemaFile == "" {
		schemaFile = defaultSchemaFile
	}
	schema, err := os.ReadFile(schemaFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", schemaFile).Msg("Failed to read schema")
	}
	if _, err := pgClient.DB().ExecContext(ctx, string(schema)); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	if os.Getenv("RESET_DB") == "true" {
		log.Info().Msg("RESET_DB=true detected, truncating tables before seeding")
		_, err := pgClient.DB().ExecContext(ctx, `
			TRUNCATE TABLE
				prompt_transitions,
				prompts,
				patients,
				prompt_templates,
				encrypted_data_temp
			RESTART IDENTITY CASCADE
		`)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to reset tables")
		}
	}

	db := goqu.New("postgres", pgClient.DB())

	// 1. Seed patients
	admitted := time.Now().AddDate(0, 0, -3)
	patients := []entities.Patient{
		{ID: "P001", Name: "Adaeze Okafor", Department: "Cardiology", BedNumber: "C-12", AdmissionDate: admitted, ObjectiveContent: "BP 150/95, HR 88", DailyRecords: "Chest tightness eased overnight.", Active: true},
		{ID: "P002", Name: "Tunde Bakare", Department: "Respiratory", BedNumber: "R-04", AdmissionDate: admitted, ObjectiveContent: "SpO2 93% on room air", DailyRecords: "Productive cough, afebrile.", Active: true},
		{ID: "P003", Name: "Halima Yusuf", Department: "Nephrology", BedNumber: "N-07", AdmissionDate: admitted, ObjectiveContent: "Creatinine 2.1 mg/dL", DailyRecords: "Urine output improving.", Active: true},
		{ID: "P004", Name: "Emeka Nwosu", Department: "Orthopaedics", BedNumber: "O-02", AdmissionDate: admitted.AddDate(0, 0, -10), Active: false},
	}

	for _, p := range patients {
		query, args, err := db.Insert("patients").Rows(goqu.Record{
			"patient_id":        p.ID,
			"name":              p.Name,
			"department":        p.Department,
			"bed_number":        p.BedNumber,
			"admission_date":    p.AdmissionDate,
			"objective_content": p.ObjectiveContent,
			"daily_records":     p.DailyRecords,
			"active":            p.Active,
		}).OnConflict(goqu.DoNothing()).ToSQL()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build patient insert")
		}
		if _, err := pgClient.DB().ExecContext(ctx, query, args...); err != nil {
			log.Error().Err(err).Str("patient_id", p.ID).Msg("Failed to create patient")
		}
	}

	// 2. Seed prompt templates
	templates := []entities.PromptTemplate{
		{
			Name:     "daily_progress",
			Priority: 5,
			Active:   true,
			Content: "Summarise the daily progress of {{.Name}} ({{.Department}}, bed {{.BedNumber}}).\n" +
				"Objective findings: {{.ObjectiveContent}}\nNursing notes: {{.DailyRecords}}",
		},
		{
			Name:     "discharge_readiness",
			Priority: 1,
			Active:   true,
			Content:  "Assess discharge readiness for {{.Name}} admitted {{.AdmissionDate.Format \"2006-01-02\"}}.\nFindings: {{.ObjectiveContent}}",
		},
		{
			Name:    "legacy_summary",
			Active:  false,
			Content: "{{.Name}}",
		},
	}

	for _, t := range templates {
		query, args, err := db.Insert("prompt_templates").Rows(goqu.Record{
			"name":     t.Name,
			"content":  t.Content,
			"active":   t.Active,
			"priority": t.Priority,
		}).OnConflict(goqu.DoUpdate("name", goqu.Record{
			"content":  t.Content,
			"active":   t.Active,
			"priority": t.Priority,
		})).ToSQL()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build template insert")
		}
		if _, err := pgClient.DB().ExecContext(ctx, query, args...); err != nil {
			log.Error().Err(err).Str("template", t.Name).Msg("Failed to create template")
		}
	}

	log.Info().Int("patients", len(patients)).Int("templates", len(templates)).Msg("Seeding completed")
}
