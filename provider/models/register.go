// Package models keeps a process-wide catalog of the models the configured
// backends expose. Adapters register their static catalogs at construction
// and merge live FetchModels results in as they arrive.
package models

import (
	"github.com/casualjim/converse/internal/registry"
	"github.com/casualjim/converse/provider"
)

var Global = registry.New[provider.ModelInfo]()

func Add(model provider.ModelInfo) {
	Global.Add(model.ID, model)
}

func Get(id string) (provider.ModelInfo, bool) {
	return Global.Get(id)
}

func GetOrAdd(id string, modelF func() provider.ModelInfo) provider.ModelInfo {
	m, _ := Global.GetOrAdd(id, modelF)
	return m
}

func Del(id string) {
	Global.Del(id)
}

// List snapshots the catalog. Order is unspecified.
func List() []provider.ModelInfo {
	out := make([]provider.ModelInfo, 0, Global.Len())
	Global.ForEach(func(_ string, m provider.ModelInfo) bool {
		out = append(out, m)
		return true
	})
	return out
}
