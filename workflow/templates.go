package workflow

import (
	"fmt"
	"sort"
)

// Template is a named, reusable workflow shape.
type Template struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Inputs      []string `json:"inputs"`
	build       func(id string) *Definition
}

// Instantiate returns a fresh definition with the given ID; an empty ID uses the template name.
func (t Template) Instantiate(id string) *Definition {
	if id == "" {
		id = t.Name
	}
	return t.build(id)
}

var templates = map[string]Template{
	"price-comparison": {
		Name:        "price-comparison",
		Description: "Compare product prices across two websites",
		Inputs:      []string{"site1Url", "site2Url", "priceSelector"},
		build: func(id string) *Definition {
			return NewDAGBuilder(id).
				WithName("Price Comparison").
				WithDescription("Compare product prices across two websites").
				AddNode("navigate-1", "navigate").WithParam("url", "$site1Url").Done().
				AddNode("extract-1", "extract").
				WithParams(map[string]any{"selector": "$priceSelector", "extractType": "text", "page": "${navigate-1}"}).
				DependsOn("navigate-1").Done().
				AddNode("navigate-2", "navigate").WithParam("url", "$site2Url").DependsOn("extract-1").Done().
				AddNode("extract-2", "extract").
				WithParams(map[string]any{"selector": "$priceSelector", "extractType": "text", "page": "${navigate-2}"}).
				DependsOn("navigate-2").Done().
				AddNode("analyze", "analyze").
				WithParams(map[string]any{
					"analysisType": "price-comparison",
					"data":         map[string]any{"site1": "${extract-1}", "site2": "${extract-2}"},
				}).
				DependsOn("extract-2").Done().
				MustBuild()
		},
	},
	"form-filling": {
		Name:        "form-filling",
		Description: "Fill out a web form; fields are typed in parallel",
		Inputs:      []string{"formUrl", "name", "email"},
		build: func(id string) *Definition {
			return NewDAGBuilder(id).
				WithName("Form Filling").
				WithDescription("Fill out a web form; fields are typed in parallel").
				AddNode("navigate", "navigate").WithParam("url", "$formUrl").Done().
				AddNode("fill-name", "action").
				WithParams(map[string]any{"actionType": "type", "selector": `input[name="name"]`, "value": "$name"}).
				DependsOn("navigate").Done().
				AddNode("fill-email", "action").
				WithParams(map[string]any{"actionType": "type", "selector": `input[name="email"]`, "value": "$email"}).
				DependsOn("navigate").Done().
				AddNode("submit", "action").
				WithParams(map[string]any{"actionType": "click", "selector": `button[type="submit"]`}).
				DependsOn("fill-name", "fill-email").Done().
				MustBuild()
		},
	},
	"data-extraction": {
		Name:        "data-extraction",
		Description: "Extract structured rows from a page and analyze them",
		Inputs:      []string{"targetUrl"},
		build: func(id string) *Definition {
			return NewDAGBuilder(id).
				WithName("Data Extraction").
				WithDescription("Extract structured rows from a page and analyze them").
				AddNode("navigate", "navigate").WithParam("url", "$targetUrl").Done().
				AddNode("extract-table", "extract").
				WithParams(map[string]any{
					"selector":    "table tbody tr",
					"extractType": "structured",
					"fields": map[string]any{
						"name":  "td:nth-child(1)",
						"value": "td:nth-child(2)",
						"date":  "td:nth-child(3)",
					},
				}).
				DependsOn("navigate").Done().
				AddNode("analyze", "analyze").
				WithParams(map[string]any{"data": "${extract-table}", "analysisType": "data-extraction"}).
				DependsOn("extract-table").Done().
				MustBuild()
		},
	},
	"diamond": {
		Name:        "diamond",
		Description: "Fetch once, process two ways in parallel, merge",
		Inputs:      []string{"url"},
		build: func(id string) *Definition {
			return NewDAGBuilder(id).
				WithName("Diamond").
				WithDescription("Fetch once, process two ways in parallel, merge").
				AddNode("fetch", "navigate").WithParam("url", "$url").Done().
				AddNode("left", "extract").WithParam("page", "${fetch}").DependsOn("fetch").Done().
				AddNode("right", "extract").WithParam("page", "${fetch}").DependsOn("fetch").Done().
				AddNode("merge", "analyze").
				WithParams(map[string]any{"left": "${left}", "right": "${right}"}).
				DependsOn("left", "right").Done().
				MustBuild()
		},
	},
}

// Templates lists the built-in templates by name.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupTemplate returns a built-in template.
func LookupTemplate(name string) (Template, error) {
	t, ok := templates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown template %q", name)
	}
	return t, nil
}
