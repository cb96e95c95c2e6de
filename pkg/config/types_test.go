package config_test

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/go-viper/mapstructure/v2"
	"github.com/stretchr/testify/require"

	"github.com/treeverse/clusterkv/pkg/cluster"
	"github.com/treeverse/clusterkv/pkg/config"
)

type StringsStruct struct {
	S config.Strings
	I int
}

func TestStrings(t *testing.T) {
	cases := []struct {
		Name     string
		Source   map[string]interface{}
		Expected StringsStruct
	}{
		{
			Name:     "single string",
			Source:   map[string]interface{}{"s": "value"},
			Expected: StringsStruct{S: config.Strings{"value"}},
		}, {
			Name:     "comma-separated string",
			Source:   map[string]interface{}{"s": "-,=,/var/log/kv.log"},
			Expected: StringsStruct{S: config.Strings{"-", "=", "/var/log/kv.log"}},
		}, {
			Name:     "multiple strings",
			Source:   map[string]interface{}{"s": []string{"-", "="}},
			Expected: StringsStruct{S: config.Strings{"-", "="}},
		}, {
			Name:     "other values",
			Source:   map[string]interface{}{"s": []string{"yes"}, "i": 17},
			Expected: StringsStruct{S: config.Strings{"yes"}, I: 17},
		},
	}
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			var s StringsStruct
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				DecodeHook: config.DecodeStrings,
				Result:     &s,
			})
			require.NoError(t, err)
			require.NoError(t, decoder.Decode(c.Source))
			if diffs := deep.Equal(s, c.Expected); diffs != nil {
				t.Error(diffs)
			}
		})
	}
}

type ReplicaStruct struct {
	R cluster.Replica
}

func TestReplica(t *testing.T) {
	cases := []struct {
		Name     string
		Source   interface{}
		Expected cluster.Replica
		Err      bool
	}{
		{Name: "master", Source: "master", Expected: cluster.ReplicaMaster},
		{Name: "sequence", Source: "sequence", Expected: cluster.ReplicaSequence},
		{Name: "prefer rack", Source: "prefer-rack", Expected: cluster.ReplicaPreferRack},
		{Name: "number", Source: 1, Expected: cluster.ReplicaAny},
		{Name: "unknown", Source: "closest", Err: true},
	}
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			var r ReplicaStruct
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				DecodeHook: config.DecodeReplica,
				Result:     &r,
			})
			require.NoError(t, err)
			err = decoder.Decode(map[string]interface{}{"r": c.Source})
			if c.Err {
				require.ErrorContains(t, err, "closest")
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.Expected, r.R)
		})
	}
}
