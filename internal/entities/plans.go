// Package entities defines the importable business entities and registers
// them with the import core. Import it for side effects from main:
//
//	import _ "github.com/opencivic/backoffice/internal/entities"
package entities

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opencivic/backoffice/internal/importer"
)

// TypePurchasePlans is the registry tag for procurement purchase plans.
const TypePurchasePlans = "purchase_plans"

func init() {
	importer.Register(importer.EntityDefinition{
		Type:  TypePurchasePlans,
		Label: "Purchase Plans",
		Columns: []importer.ColumnSpec{
			{Name: "plan_number", Aliases: []string{"Plan Number", "plan_no", "number"}, Required: true},
			{Name: "title", Aliases: []string{"Title", "plan_title", "name"}, Required: true},
			{Name: "department", Aliases: []string{"Department", "dept"}},
			{Name: "fiscal_year", Aliases: []string{"Fiscal Year", "year"}, Type: importer.FieldNumeric},
			{Name: "estimated_amount", Aliases: []string{"Estimated Amount", "amount", "budget"}, Type: importer.FieldNumeric},
			{Name: "currency", Aliases: []string{"Currency"}},
			{Name: "planned_quarter", Aliases: []string{"Planned Quarter", "quarter"}, Type: importer.FieldEnum,
				EnumValues: []string{"Q1", "Q2", "Q3", "Q4"}},
			{Name: "category", Aliases: []string{"Category", "procurement_category"}},
		},
		SignatureFields: []string{"plan_number"},
		Handler:         purchasePlanHandler{},
	})
}

// purchasePlanHandler persists purchase plans through the registry contract.
type purchasePlanHandler struct{}

// Create implements importer.EntityHandler.
func (purchasePlanHandler) Create(ctx context.Context, db importer.DBTX, fields map[string]string) (importer.CreateResult, error) {
	id := uuid.New()

	currency := fields["currency"]
	if currency == "" {
		currency = "EUR"
	}

	_, err := db.Exec(ctx, `
		INSERT INTO purchase_plans (
			id, plan_number, title, department, fiscal_year,
			estimated_amount, currency, planned_quarter, category
		) VALUES ($1, $2, $3, $4, NULLIF($5, '')::integer,
		          NULLIF($6, '')::numeric, $7, UPPER($8), $9)`,
		id, fields["plan_number"], fields["title"], fields["department"],
		numericString(fields["fiscal_year"]), numericString(fields["estimated_amount"]),
		currency, fields["planned_quarter"], fields["category"])
	if err != nil {
		return importer.CreateResult{}, fmt.Errorf("insert purchase plan: %w", err)
	}

	persisted := map[string]string{
		"id":               id.String(),
		"plan_number":      fields["plan_number"],
		"title":            fields["title"],
		"department":       fields["department"],
		"fiscal_year":      fields["fiscal_year"],
		"estimated_amount": fields["estimated_amount"],
		"currency":         currency,
		"planned_quarter":  fields["planned_quarter"],
		"category":         fields["category"],
	}
	return importer.CreateResult{RecordID: id, Persisted: persisted}, nil
}

// Exists implements importer.EntityHandler using the plan number natural key.
func (purchasePlanHandler) Exists(ctx context.Context, db importer.DBTX, fields map[string]string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM purchase_plans WHERE LOWER(plan_number) = LOWER($1))`,
		fields["plan_number"]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check purchase plan: %w", err)
	}
	return exists, nil
}

// Delete implements importer.EntityHandler.
func (purchasePlanHandler) Delete(ctx context.Context, db importer.DBTX, id uuid.UUID) (bool, error) {
	tag, err := db.Exec(ctx, `DELETE FROM purchase_plans WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete purchase plan: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Find implements importer.EntityHandler.
func (purchasePlanHandler) Find(ctx context.Context, db importer.DBTX, id uuid.UUID) (map[string]string, error) {
	var planNumber, title, department, currency, quarter, category string
	var fiscalYear *int
	var amount *float64

	err := db.QueryRow(ctx, `
		SELECT plan_number, title, department, fiscal_year,
		       estimated_amount, currency, planned_quarter, category
		FROM purchase_plans WHERE id = $1`, id).Scan(
		&planNumber, &title, &department, &fiscalYear,
		&amount, &currency, &quarter, &category)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find purchase plan: %w", err)
	}

	fields := map[string]string{
		"id":              id.String(),
		"plan_number":     planNumber,
		"title":           title,
		"department":      department,
		"currency":        currency,
		"planned_quarter": quarter,
		"category":        category,
	}
	if fiscalYear != nil {
		fields["fiscal_year"] = fmt.Sprintf("%d", *fiscalYear)
	}
	if amount != nil {
		fields["estimated_amount"] = fmt.Sprintf("%.2f", *amount)
	}
	return fields, nil
}

// numericString normalizes a validated spreadsheet number for the cast in
// the insert statement.
func numericString(value string) string {
	if value == "" {
		return ""
	}
	n, err := importer.ParseNumeric(value)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%g", n)
}
