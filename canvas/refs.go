package canvas

import "github.com/loomworks/loom/core"

// configLayerUpdatesKey is the compositor config section keyed by
// input-handle ID. Remapping handle IDs breaks these keys, so every
// mutation and clone pass rewrites them.
const configLayerUpdatesKey = "layerUpdates"

const configInputHandleKey = "inputHandleId"

// RewriteConfigHandleRefs rewrites handle-ID references embedded in a
// node config through the given mapping: layerUpdates keys and any
// nested inputHandleId fields. The input map is returned unchanged when
// there is nothing to rewrite; otherwise a shallow-copied config with the
// rewritten section is returned, leaving the caller's original intact.
func RewriteConfigHandleRefs(config map[string]any, handleMap map[string]string) map[string]any {
	if len(config) == 0 || len(handleMap) == 0 {
		return config
	}
	layers, ok := config[configLayerUpdatesKey].(map[string]any)
	if !ok {
		return config
	}

	rewritten := make(map[string]any, len(layers))
	for key, value := range layers {
		newKey := mapID(handleMap, key)
		if inner, ok := value.(map[string]any); ok {
			value = rewriteInnerHandleRef(inner, handleMap)
		}
		rewritten[newKey] = value
	}

	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	out[configLayerUpdatesKey] = rewritten
	return out
}

func rewriteInnerHandleRef(inner map[string]any, handleMap map[string]string) map[string]any {
	ref, ok := inner[configInputHandleKey].(string)
	if !ok {
		return inner
	}
	newRef := mapID(handleMap, ref)
	if newRef == ref {
		return inner
	}
	out := make(map[string]any, len(inner))
	for k, v := range inner {
		out[k] = v
	}
	out[configInputHandleKey] = newRef
	return out
}

// RewriteResultHandleRefs rewrites the outputHandleId of every item in a
// result envelope, in place.
func RewriteResultHandleRefs(result *core.ResultEnvelope, handleMap map[string]string) {
	if result == nil || len(handleMap) == 0 {
		return
	}
	for oi := range result.Outputs {
		items := result.Outputs[oi].Items
		for ii := range items {
			items[ii].OutputHandleID = mapID(handleMap, items[ii].OutputHandleID)
		}
	}
}
