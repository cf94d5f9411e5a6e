package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	f.Add([]byte(minimalConfig))
	f.Add([]byte(reloadUpdated))
	f.Add([]byte("routes: ["))
	f.Add([]byte(`default_backend: http://entity-store:8000`))
	f.Add([]byte("mocks:\n  - path: /v1/x\n    body: '{}'"))
	f.Add([]byte("mocks:\n  - path_regex: '('\n    body: ''"))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic; errors are fine.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// Any accepted config must compile into tables.
		if _, _, err := cfg.BuildTables(); err != nil {
			t.Errorf("accepted config failed table build: %v", err)
		}
	})
}
