package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"go.liveq.dev/core/sqlprovider"
)

// queriesFile is the YAML document of observed query definitions:
//
//	queries:
//	  - name: active-users
//	    sql: SELECT id, name FROM users WHERE active = 1 ORDER BY name
//	    primaryKey: id
type queriesFile struct {
	Queries []sqlprovider.Query `yaml:"queries"`
}

// loadQueries parses the queries file at |path| into definitions by name.
func loadQueries(path string) (map[string]sqlprovider.Query, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %s", path)
	}
	var file queriesFile
	if err = yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, errors.WithMessagef(err, "parsing %s", path)
	}

	var out = make(map[string]sqlprovider.Query, len(file.Queries))
	for _, query := range file.Queries {
		if err = query.Validate(); err != nil {
			return nil, err
		} else if _, ok := out[query.Name]; ok {
			return nil, errors.Errorf("duplicated query name %s", query.Name)
		}
		out[query.Name] = query
	}
	return out, nil
}
