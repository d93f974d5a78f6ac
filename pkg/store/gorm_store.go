package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d4l-data4life/go-tool-router/pkg/models"
	"github.com/d4l-data4life/go-tool-router/pkg/routing/keyword"
)

// GormStore persists the keyword index and parameter mappings in the
// relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over an existing database handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// UpsertKeywords implements keyword.Store. Conflicting rows are refreshed
// unless they were manually curated.
func (s *GormStore) UpsertKeywords(ctx context.Context, toolName string, entries []keyword.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]models.KeywordMapping, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, models.KeywordMapping{
			ToolName:   toolName,
			Keyword:    strings.ToLower(entry.Keyword),
			Confidence: entry.Confidence,
			Source:     entry.Source,
		})
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tool_name"}, {Name: "keyword"}},
		Where: clause.Where{
			Exprs: []clause.Expression{gorm.Expr("keyword_mappings.source <> ?", keyword.SourceManual)},
		},
		DoUpdates: clause.AssignmentColumns([]string{"confidence", "source", "updated_at"}),
	}).Create(&rows).Error
	return errors.Wrapf(err, "failed to upsert keywords for tool %s", toolName)
}

// QueryCandidates implements keyword.Store. The SQL pre-filter may
// over-match; exact scoring happens in the index.
func (s *GormStore) QueryCandidates(ctx context.Context, tokens []string) ([]keyword.Candidate, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	query := s.db.WithContext(ctx).Model(&models.KeywordMapping{})
	condition := s.db.Where("keyword IN ?", lowered(tokens))
	for _, token := range tokens {
		token = strings.ToLower(token)
		condition = condition.
			Or("? LIKE '%' || keyword || '%'", token).
			Or("keyword LIKE ?", "%"+token+"%")
	}

	var matched []models.KeywordMapping
	if err := query.Where(condition).Select("DISTINCT tool_name").Find(&matched).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query candidate tools")
	}
	if len(matched) == 0 {
		return nil, nil
	}

	toolNames := make([]string, 0, len(matched))
	for _, row := range matched {
		toolNames = append(toolNames, row.ToolName)
	}

	// Fetch the complete keyword sets of the matched tools so the index
	// scores against everything, not just the pre-filtered rows.
	var rows []models.KeywordMapping
	if err := s.db.WithContext(ctx).
		Where("tool_name IN ?", toolNames).
		Order("tool_name, keyword").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load candidate keyword sets")
	}

	grouped := make(map[string][]keyword.Entry)
	var order []string
	for _, row := range rows {
		if _, ok := grouped[row.ToolName]; !ok {
			order = append(order, row.ToolName)
		}
		grouped[row.ToolName] = append(grouped[row.ToolName], keyword.Entry{
			Keyword:    row.Keyword,
			Confidence: row.Confidence,
			Source:     row.Source,
		})
	}

	candidates := make([]keyword.Candidate, 0, len(order))
	for _, toolName := range order {
		candidates = append(candidates, keyword.Candidate{ToolName: toolName, Keywords: grouped[toolName]})
	}
	return candidates, nil
}

// KeywordSources implements keyword.Store
func (s *GormStore) KeywordSources(ctx context.Context, toolName string) ([]string, error) {
	var sources []string
	err := s.db.WithContext(ctx).
		Model(&models.KeywordMapping{}).
		Where("tool_name = ?", toolName).
		Distinct("source").
		Pluck("source", &sources).Error
	return sources, errors.Wrapf(err, "failed to read keyword sources for tool %s", toolName)
}

// UpsertParameterMapping implements keyword.Store. An existing row has its
// usage count incremented and its confidence raised, never lowered.
func (s *GormStore) UpsertParameterMapping(ctx context.Context, toolName, userInput, parameter, value string, confidence float64) error {
	userInput = strings.ToLower(userInput)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ParameterMapping
		err := tx.Where("tool_name = ? AND user_input = ?", toolName, userInput).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := models.ParameterMapping{
				ToolName:   toolName,
				UserInput:  userInput,
				Parameter:  parameter,
				Value:      value,
				Confidence: confidence,
				UsageCount: 1,
			}
			return errors.Wrap(tx.Create(&row).Error, "failed to create parameter mapping")
		case err != nil:
			return errors.Wrap(err, "failed to look up parameter mapping")
		}

		updates := map[string]interface{}{
			"parameter":   parameter,
			"value":       value,
			"usage_count": gorm.Expr("usage_count + 1"),
		}
		if confidence > existing.Confidence {
			updates["confidence"] = confidence
		}
		return errors.Wrap(tx.Model(&existing).Updates(updates).Error, "failed to update parameter mapping")
	})
}

// LookupParameterMapping implements keyword.Store
func (s *GormStore) LookupParameterMapping(ctx context.Context, toolName, userInput string) (keyword.ParameterMapping, bool, error) {
	var row models.ParameterMapping
	err := s.db.WithContext(ctx).
		Where("tool_name = ? AND user_input = ?", toolName, strings.ToLower(userInput)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return keyword.ParameterMapping{}, false, nil
	}
	if err != nil {
		return keyword.ParameterMapping{}, false, errors.Wrap(err, "failed to look up parameter mapping")
	}

	return keyword.ParameterMapping{
		ToolName:   row.ToolName,
		UserInput:  row.UserInput,
		Parameter:  row.Parameter,
		Value:      row.Value,
		Confidence: row.Confidence,
		UsageCount: row.UsageCount,
	}, true, nil
}

func lowered(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, token := range tokens {
		out[i] = strings.ToLower(token)
	}
	return out
}
