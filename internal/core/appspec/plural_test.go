package appspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPluralize(t *testing.T) {
	tests := []struct {
		word string
		want string
	}{
		{"task", "tasks"},
		{"category", "categories"},
		{"day", "days"},
		{"box", "boxes"},
		{"bus", "buses"},
		{"church", "churches"},
		{"wish", "wishes"},
		{"quiz", "quizes"},
		{"person", "people"},
		{"child", "children"},
		{"sheep", "sheep"},
		// Unlisted irregular nouns take the regular rule.
		{"cactus", "cactuses"},
		{"analysis", "analysises"},
		{"leaf", "leafs"},
	}

	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			assert.Equal(t, tt.want, Pluralize(tt.word))
		})
	}
}

func TestResourceName(t *testing.T) {
	tests := []struct {
		entity string
		want   string
	}{
		{"Task", "tasks"},
		{"BlogPost", "blog-posts"},
		{"order_item", "order-items"},
		{"HTTPRoute", "http-routes"},
		{"Person", "people"},
		{"Category", "categories"},
		{"Item2", "item2s"},
	}

	for _, tt := range tests {
		t.Run(tt.entity, func(t *testing.T) {
			assert.Equal(t, tt.want, ResourceName(tt.entity))
		})
	}
}
