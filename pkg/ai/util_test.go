package ai

import (
	"testing"
)

type sampleOut struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    sampleOut
		wantErr bool
	}{
		{
			name:  "standard json",
			input: `{"name": "timo", "count": 2, "tags": ["a"]}`,
			want:  sampleOut{Name: "timo", Count: 2, Tags: []string{"a"}},
		},
		{
			name:  "double encoded",
			input: `"{\"name\": \"timo\", \"count\": 2, \"tags\": []}"`,
			want:  sampleOut{Name: "timo", Count: 2, Tags: []string{}},
		},
		{
			name:  "malformed repaired",
			input: `{name: "timo", count: 2, tags: []}`,
			want:  sampleOut{Name: "timo", Count: 2, Tags: []string{}},
		},
		{
			name:  "duplicate leading brace",
			input: `{{"name": "timo", "count": 1, "tags": []}`,
			want:  sampleOut{Name: "timo", Count: 1, Tags: []string{}},
		},
		{
			name:  "surrounding whitespace",
			input: "  \n{\"name\": \"x\", \"count\": 0, \"tags\": []}\n ",
			want:  sampleOut{Name: "x", Count: 0, Tags: []string{}},
		},
		{
			name:    "unrepairable",
			input:   `not even close [[[`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got sampleOut
			err := UnmarshalFlexible(tt.input, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalFlexible() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Name != tt.want.Name || got.Count != tt.want.Count || len(got.Tags) != len(tt.want.Tags) {
				t.Errorf("UnmarshalFlexible() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema(&sampleOut{})
	if schema == nil {
		t.Fatal("GenerateSchema() returned nil")
	}

	schema = GenerateSchema(sampleOut{})
	if schema == nil {
		t.Fatal("GenerateSchema() returned nil for non-pointer value")
	}
}
