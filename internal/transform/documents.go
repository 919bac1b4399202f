package transform

import (
	"fmt"
	"time"

	"SearchSync/internal/domain"
)

// CompanyTransformer shapes Company rows into company documents.
type CompanyTransformer struct{}

var _ Transformer = CompanyTransformer{}

// Name implements Transformer.
func (CompanyTransformer) Name() string { return "company" }

// Apply maps one Company row to its document.
func (CompanyTransformer) Apply(row domain.Row) (domain.Document, error) {
	id, err := keyString(row, "id")
	if err != nil {
		return domain.Document{}, err
	}

	fields := map[string]any{
		"name":           row["name"],
		"industry":       row["industry"],
		"website":        row["website"],
		"city":           row["city"],
		"country":        row["country"],
		"employee_count": row["employee_count"],
	}

	if err := putTimestamp(fields, "updated_at", row, "updatedAt"); err != nil {
		return domain.Document{}, err
	}

	return domain.Document{ID: id, Fields: fields}, nil
}

// ProspectTransformer shapes Prospect rows into prospect documents.
type ProspectTransformer struct{}

var _ Transformer = ProspectTransformer{}

// Name implements Transformer.
func (ProspectTransformer) Name() string { return "prospect" }

// Apply maps one Prospect row to its document.
func (ProspectTransformer) Apply(row domain.Row) (domain.Document, error) {
	id, err := keyString(row, "id")
	if err != nil {
		return domain.Document{}, err
	}

	fields := map[string]any{
		"company_id": row["company_id"],
		"first_name": row["first_name"],
		"last_name":  row["last_name"],
		"full_name":  fullName(row),
		"email":      row["email"],
		"title":      row["title"],
		"status":     row["status"],
	}

	if err := putTimestamp(fields, "updated_at", row, "updatedAt"); err != nil {
		return domain.Document{}, err
	}

	return domain.Document{ID: id, Fields: fields}, nil
}

// CompanyProspectTransformer shapes materialized-view rows into the combined
// search documents used by the front end's prospect search.
type CompanyProspectTransformer struct{}

var _ Transformer = CompanyProspectTransformer{}

// Name implements Transformer.
func (CompanyProspectTransformer) Name() string { return "company_prospect" }

// Apply maps one view row to its document, keyed by the prospect ID.
func (CompanyProspectTransformer) Apply(row domain.Row) (domain.Document, error) {
	id, err := keyString(row, "prospect_id")
	if err != nil {
		return domain.Document{}, err
	}

	fields := map[string]any{
		"prospect_name":  row["prospect_name"],
		"prospect_email": row["prospect_email"],
		"prospect_title": row["prospect_title"],
		"status":         row["status"],
		"company_id":     row["company_id"],
		"company_name":   row["company_name"],
		"industry":       row["industry"],
		"city":           row["city"],
		"country":        row["country"],
	}

	if err := putTimestamp(fields, "last_updated", row, "last_updated"); err != nil {
		return domain.Document{}, err
	}

	return domain.Document{ID: id, Fields: fields}, nil
}

func fullName(row domain.Row) string {
	first, _ := row["first_name"].(string)
	last, _ := row["last_name"].(string)
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}

// keyString renders the primary-key column as the document ID, accepting the
// integer and string key types Postgres drivers produce.
func keyString(row domain.Row, column string) (string, error) {
	value, ok := row[column]
	if !ok || value == nil {
		return "", fmt.Errorf("row has no %s column", column)
	}

	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return fmt.Sprintf("%d", v), nil
	case int32:
		return fmt.Sprintf("%d", v), nil
	case int:
		return fmt.Sprintf("%d", v), nil
	default:
		return "", fmt.Errorf("unsupported key type %T in column %s", value, column)
	}
}

// putTimestamp copies a timestamp column into the document in RFC 3339 form.
func putTimestamp(fields map[string]any, name string, row domain.Row, column string) error {
	value, ok := row[column]
	if !ok || value == nil {
		return fmt.Errorf("row has no %s column", column)
	}

	ts, ok := value.(time.Time)
	if !ok {
		return fmt.Errorf("column %s holds %T, not a timestamp", column, value)
	}

	fields[name] = ts.UTC().Format(time.RFC3339Nano)
	return nil
}
