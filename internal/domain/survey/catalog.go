package survey

import (
	"context"
	"fmt"
)

// Built-in categories.
const (
	CategoryMentalHealth = "mental_health"
	CategoryProfile      = "profile"
)

// CatalogEntry is the question set of one category tier.
type CatalogEntry struct {
	Category  string
	PHQNumber int
	Questions []Question
}

func ptr(id int64) *int64 { return &id }

var frequencyOptions = []Option{
	{Key: "not_at_all", Label: "Not at all", Score: 0},
	{Key: "several_days", Label: "Several days", Score: 1},
	{Key: "more_than_half", Label: "More than half the days", Score: 2},
	{Key: "nearly_every_day", Label: "Nearly every day", Score: 3},
}

var yesNo = []Option{
	{Key: "yes", Label: "Yes", Score: 1},
	{Key: "no", Label: "No", Score: 0},
}

var phq9Items = []string{
	"Little interest or pleasure in doing things",
	"Feeling down, depressed, or hopeless",
	"Trouble falling or staying asleep, or sleeping too much",
	"Feeling tired or having little energy",
	"Poor appetite or overeating",
	"Feeling bad about yourself, or that you are a failure or have let yourself or your family down",
	"Trouble concentrating on things, such as reading the newspaper or watching television",
	"Moving or speaking so slowly that other people could have noticed, or the opposite: being so fidgety or restless that you have been moving around a lot more than usual",
	"Thoughts that you would be better off dead, or of hurting yourself in some way",
}

// Catalog returns the built-in question sets loaded by the seed command.
func Catalog() []CatalogEntry {
	initial := CatalogEntry{
		Category:  CategoryMentalHealth,
		PHQNumber: TierInitial,
		Questions: []Question{
			{ID: 101, Title: "How are you feeling today?", Type: TypeEmoji, ModelInputKey: "mood", Options: []Option{
				{Key: "great", Label: "Great", Score: 0},
				{Key: "good", Label: "Good", Score: 0},
				{Key: "okay", Label: "Okay", Score: 1},
				{Key: "low", Label: "Low", Score: 2},
				{Key: "awful", Label: "Awful", Score: 3},
			}},
			{ID: 102, Title: "Over the last two weeks, have you felt stressed or overwhelmed?", Type: TypeBinary, ModelInputKey: "stress", Options: yesNo},
			{ID: 103, Title: "What has been contributing to it?", Type: TypeCheckbox, ModelInputKey: "stressors", DependentOn: ptr(102), Trigger: "yes", Options: []Option{
				{Key: "work", Label: "Work or school"},
				{Key: "family", Label: "Family or relationships"},
				{Key: "health", Label: "Health"},
				{Key: "finances", Label: "Finances"},
				{Key: "other", Label: "Something else"},
			}},
			{ID: 104, Title: "Are you currently receiving support for your mental health?", Type: TypeBinary, ModelInputKey: "support", Options: []Option{
				{Key: "yes", Label: "Yes"},
				{Key: "no", Label: "No"},
			}},
		},
	}

	short := CatalogEntry{Category: CategoryMentalHealth, PHQNumber: TierShort}
	for i, title := range phq9Items[:2] {
		short.Questions = append(short.Questions, Question{
			ID:            int64(201 + i),
			Title:         "Over the last two weeks, how often have you been bothered by: " + title + "?",
			Type:          TypeSelect,
			ModelInputKey: fmt.Sprintf("phq2_q%d", i+1),
			Options:       frequencyOptions,
		})
	}

	full := CatalogEntry{Category: CategoryMentalHealth, PHQNumber: TierFull}
	for i, title := range phq9Items {
		full.Questions = append(full.Questions, Question{
			ID:            int64(901 + i),
			Title:         "Over the last two weeks, how often have you been bothered by: " + title + "?",
			Type:          TypeSelect,
			ModelInputKey: fmt.Sprintf("phq9_q%d", i+1),
			Options:       frequencyOptions,
		})
	}

	profile := CatalogEntry{
		Category:  CategoryProfile,
		PHQNumber: TierInitial,
		Questions: []Question{
			{ID: 301, Title: "Do you smoke or use tobacco?", Type: TypeSelect, Options: []Option{
				{Key: "never", Label: "Never"}, {Key: "former", Label: "Former"}, {Key: "current", Label: "Current"},
			}},
			{ID: 302, Title: "How often do you drink alcohol?", Type: TypeSelect, Options: []Option{
				{Key: "never", Label: "Never"}, {Key: "monthly", Label: "Monthly or less"},
				{Key: "weekly", Label: "Weekly"}, {Key: "daily", Label: "Daily"},
			}},
			{ID: 303, Title: "How many days a week do you exercise?", Type: TypeSelect, Options: []Option{
				{Key: "0", Label: "None"}, {Key: "1-2", Label: "1-2 days"},
				{Key: "3-4", Label: "3-4 days"}, {Key: "5+", Label: "5 or more days"},
			}},
			{ID: 304, Title: "Which of these describe your diet?", Type: TypeCheckbox, Options: []Option{
				{Key: "vegetarian", Label: "Vegetarian"}, {Key: "vegan", Label: "Vegan"},
				{Key: "low_salt", Label: "Low salt"}, {Key: "diabetic", Label: "Diabetic"}, {Key: "none", Label: "No restrictions"},
			}},
			{ID: 305, Title: "How many hours do you usually sleep?", Type: TypeSelect, Options: []Option{
				{Key: "lt5", Label: "Less than 5"}, {Key: "5-7", Label: "5-7"}, {Key: "gt7", Label: "More than 7"},
			}},
			{ID: 306, Title: "Have you travelled outside the country in the last 3 months?", Type: TypeBinary, Options: []Option{
				{Key: "yes", Label: "Yes"}, {Key: "no", Label: "No"},
			}},
		},
	}

	return []CatalogEntry{initial, short, full, profile}
}

// Seed writes the catalogue through repo and returns the number of questions written.
func Seed(ctx context.Context, repo QuestionRepository, entries []CatalogEntry) (int, error) {
	n := 0
	for _, entry := range entries {
		for i, q := range entry.Questions {
			if err := repo.Upsert(ctx, entry.Category, entry.PHQNumber, i, q); err != nil {
				return n, fmt.Errorf("seed question %d: %w", q.ID, err)
			}
			n++
		}
	}
	return n, nil
}
