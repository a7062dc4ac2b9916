package dockerizer

import (
	"encoding/json"
	"fmt"
	"path"

	"sigs.k8s.io/kustomize/api/krusty"
	kusttypes "sigs.k8s.io/kustomize/api/types"
	"sigs.k8s.io/kustomize/kyaml/filesys"
	"sigs.k8s.io/kustomize/kyaml/yaml"
)

const (
	overlayDir       = "/room"
	overlayResource  = "room.json"
	kustomizationYML = "kustomization.yaml"
)

// manifestRenderer applies the operator overlay (namespace, labels, patches)
// to a Room manifest through an in-memory kustomize build.
type manifestRenderer struct {
	namespace string
	labels    map[string]string
	patches   []string
}

func newManifestRenderer(cfg DispatchConfig) *manifestRenderer {
	return &manifestRenderer{namespace: cfg.Namespace, labels: cfg.Labels, patches: cfg.Patches}
}

func (r *manifestRenderer) kustomization() ([]byte, error) {
	k := kusttypes.Kustomization{
		Resources: []string{overlayResource},
		Namespace: r.namespace,
	}
	if len(r.labels) > 0 {
		k.Labels = []kusttypes.Label{{Pairs: r.labels, IncludeSelectors: false}}
	}
	for _, p := range r.patches {
		k.Patches = append(k.Patches, kusttypes.Patch{Patch: p})
	}
	return yaml.Marshal(k)
}

// Render returns the overlaid manifest as JSON.
func (r *manifestRenderer) Render(manifest RoomManifest) ([]byte, error) {
	resource, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode room manifest: %w", err)
	}
	kustomization, err := r.kustomization()
	if err != nil {
		return nil, fmt.Errorf("encode kustomization: %w", err)
	}

	fs := filesys.MakeFsInMemory()
	if err := fs.MkdirAll(overlayDir); err != nil {
		return nil, err
	}
	if err := fs.WriteFile(path.Join(overlayDir, overlayResource), resource); err != nil {
		return nil, err
	}
	if err := fs.WriteFile(path.Join(overlayDir, kustomizationYML), kustomization); err != nil {
		return nil, err
	}

	resMap, err := krusty.MakeKustomizer(krusty.MakeDefaultOptions()).Run(fs, overlayDir)
	if err != nil {
		return nil, fmt.Errorf("kustomize room manifest: %w", err)
	}
	resources := resMap.Resources()
	if len(resources) != 1 {
		return nil, fmt.Errorf("kustomize room manifest: expected 1 resource, got %d", len(resources))
	}
	return resources[0].MarshalJSON()
}
