package dbdef

import (
	"strings"
	"testing"

	"github.com/conformdb/conform/pkg/dberr"
)

const yamlDoc = `
playlists:
  versions:
    0:
      types:
        playlist:
          - {id: _id, auto: true}
          - {name: title, type: text, notnull: true}
          - {name: userid, type: int, notnull: true}
        track:
          - {name: playlistid, type: int, notnull: true}
          - {name: track, type: int, notnull: true}
          - {name: url, type: text}
      indexes:
        - {on_type: playlist, keys: [userid]}
    1:
      types:
        playlist:
          - {id: _id, auto: true}
          - {name: title, type: text, notnull: true}
          - {name: userid, type: int, notnull: true}
          - {name: public, type: int, default: 0}
        track:
          - {name: playlistid, type: int, notnull: true}
          - {name: track, type: int, notnull: true}
          - {name: url, type: text}
      indexes:
        - {on_type: playlist, keys: [userid]}
        - {on_type: track, keys: [playlistid], name: tracks_by_playlist}
      transition:
        prompt: true
        reason: adds visibility flags to playlists
        sql: UPDATE playlist SET public = 0
`

func TestLoadYAML(t *testing.T) {
	defs, err := LoadYAML(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	def, ok := defs["playlists"]
	if !ok {
		t.Fatalf("playlists database missing, got %v", defs.Names())
	}
	if got := def.Target(); got != 1 {
		t.Errorf("Target() = %d, want 1", got)
	}
	v1 := def.Versions[1]
	if v1.Transition == nil || !v1.Transition.Prompt {
		t.Fatalf("version 1 transition = %+v, want prompting transition", v1.Transition)
	}
	fields := v1.Types["playlist"]
	if len(fields) != 4 {
		t.Fatalf("playlist has %d fields, want 4", len(fields))
	}
	id, ok := fields[0].(ID)
	if !ok || id.Name != "_id" || !id.Auto {
		t.Errorf("first field = %+v, want auto id _id", fields[0])
	}
	public, ok := fields[3].(Property)
	if !ok || public.Type != Int || public.Default != 0 {
		t.Errorf("public field = %+v, want int with default 0", fields[3])
	}
	if v1.Indexes[1].EffectiveName() != "tracks_by_playlist" {
		t.Errorf("named index lost its name: %+v", v1.Indexes[1])
	}
}

func TestLoadYAML_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty document", ""},
		{"not yaml", ":\n:::"},
		{
			"unknown version key",
			"db:\n  versions:\n    0:\n      types:\n        t:\n          - {id: _id}\n      bogus: 1\n",
		},
		{
			"unknown field key",
			"db:\n  versions:\n    0:\n      types:\n        t:\n          - {name: x, type: int, length: 12}\n",
		},
		{
			"id with property keys",
			"db:\n  versions:\n    0:\n      types:\n        t:\n          - {id: _id, type: int}\n",
		},
		{
			"fields not a sequence",
			"db:\n  versions:\n    0:\n      types:\n        t: {id: _id}\n",
		},
		{
			"invalid definition",
			"db:\n  versions:\n    0:\n      types:\n        t:\n          - {name: x, type: varchar}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadYAML(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !dberr.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}
