package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Item is one recognized component of the meal.
type Item struct {
	Name    string  `json:"name"`
	Portion string  `json:"portion,omitempty"`
	Carbs   float64 `json:"carbs_g"`
}

// Headline is the part of the model's answer the core acts on.
type Headline struct {
	IsFood     bool    `json:"is_food"`
	TotalCarbs float64 `json:"total_carbs_g"`
	Summary    string  `json:"summary"`
	Items      []Item  `json:"items,omitempty"`
}

// ParseHeadline extracts the JSON object from model text. Code fences and
// prose around the object are tolerated.
func ParseHeadline(text string) (*Headline, error) {
	body := strings.TrimSpace(text)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model text")
	}

	// is_food defaults to true when the model omits it.
	h := Headline{IsFood: true}
	if err := json.Unmarshal([]byte(body[start:end+1]), &h); err != nil {
		return nil, fmt.Errorf("decode headline: %w", err)
	}
	if h.TotalCarbs < 0 {
		return nil, fmt.Errorf("negative carb total %.1f", h.TotalCarbs)
	}
	if h.TotalCarbs == 0 && len(h.Items) > 0 {
		for _, item := range h.Items {
			h.TotalCarbs += item.Carbs
		}
	}
	h.Summary = strings.TrimSpace(h.Summary)
	return &h, nil
}
