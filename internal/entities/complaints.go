package entities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opencivic/backoffice/internal/importer"
)

// TypeComplaints is the registry tag for citizen complaints.
const TypeComplaints = "complaints"

func init() {
	importer.Register(importer.EntityDefinition{
		Type:  TypeComplaints,
		Label: "Complaints",
		Columns: []importer.ColumnSpec{
			{Name: "reference_number", Aliases: []string{"Reference Number", "reference", "ref_no"}, Required: true},
			{Name: "subject", Aliases: []string{"Subject", "complaint_subject"}, Required: true},
			{Name: "complainant_name", Aliases: []string{"Complainant", "complainant name", "filed_by"}},
			{Name: "category", Aliases: []string{"Category"}},
			{Name: "severity", Aliases: []string{"Severity", "priority"}, Type: importer.FieldEnum,
				EnumValues: []string{"low", "medium", "high", "critical"}},
			{Name: "filed_date", Aliases: []string{"Filed Date", "date_filed", "date"}, Type: importer.FieldDate},
			{Name: "description", Aliases: []string{"Description", "details"}},
		},
		SignatureFields: []string{"reference_number"},
		Handler:         complaintHandler{},
	})
}

// complaintHandler persists complaints through the registry contract.
type complaintHandler struct{}

// Create implements importer.EntityHandler.
func (complaintHandler) Create(ctx context.Context, db importer.DBTX, fields map[string]string) (importer.CreateResult, error) {
	id := uuid.New()

	severity := fields["severity"]
	if severity == "" {
		severity = "medium"
	}

	var filedDate *time.Time
	if v := fields["filed_date"]; v != "" {
		d, err := importer.ParseDate(v)
		if err != nil {
			return importer.CreateResult{}, fmt.Errorf("parse filed date: %w", err)
		}
		filedDate = &d
	}

	_, err := db.Exec(ctx, `
		INSERT INTO complaints (
			id, reference_number, subject, complainant_name,
			category, severity, filed_date, description
		) VALUES ($1, $2, $3, $4, $5, LOWER($6), $7, $8)`,
		id, fields["reference_number"], fields["subject"], fields["complainant_name"],
		fields["category"], severity, filedDate, fields["description"])
	if err != nil {
		return importer.CreateResult{}, fmt.Errorf("insert complaint: %w", err)
	}

	persisted := map[string]string{
		"id":               id.String(),
		"reference_number": fields["reference_number"],
		"subject":          fields["subject"],
		"complainant_name": fields["complainant_name"],
		"category":         fields["category"],
		"severity":         severity,
		"filed_date":       fields["filed_date"],
		"description":      fields["description"],
	}
	return importer.CreateResult{RecordID: id, Persisted: persisted}, nil
}

// Exists implements importer.EntityHandler using the reference number.
func (complaintHandler) Exists(ctx context.Context, db importer.DBTX, fields map[string]string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM complaints WHERE LOWER(reference_number) = LOWER($1))`,
		fields["reference_number"]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check complaint: %w", err)
	}
	return exists, nil
}

// Delete implements importer.EntityHandler.
func (complaintHandler) Delete(ctx context.Context, db importer.DBTX, id uuid.UUID) (bool, error) {
	tag, err := db.Exec(ctx, `DELETE FROM complaints WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete complaint: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Find implements importer.EntityHandler.
func (complaintHandler) Find(ctx context.Context, db importer.DBTX, id uuid.UUID) (map[string]string, error) {
	var reference, subject, complainant, category, severity, description string
	var filedDate *time.Time

	err := db.QueryRow(ctx, `
		SELECT reference_number, subject, complainant_name,
		       category, severity, filed_date, description
		FROM complaints WHERE id = $1`, id).Scan(
		&reference, &subject, &complainant,
		&category, &severity, &filedDate, &description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find complaint: %w", err)
	}

	fields := map[string]string{
		"id":               id.String(),
		"reference_number": reference,
		"subject":          subject,
		"complainant_name": complainant,
		"category":         category,
		"severity":         severity,
		"description":      description,
	}
	if filedDate != nil {
		fields["filed_date"] = filedDate.Format("2006-01-02")
	}
	return fields, nil
}
