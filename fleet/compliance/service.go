// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/repohost"
)

// metadataManifest is the repository file holding installed version
// metadata, a flat yaml mapping.
const metadataManifest = ".gitfleet.yaml"

// Config holds compliance settings.
type Config struct {
	TemplateDir string `help:"directory holding template definitions" default:"templates"`
}

// Service evaluates repositories through the code host and keeps the
// latest verdict per repository.
type Service struct {
	log       *zap.Logger
	host      repohost.Client
	evaluator *Evaluator
	clock     clocks.Clock
	templates []Template

	mu      sync.Mutex
	results map[string]*Result
}

// NewService creates the compliance service. Templates are validated up
// front; a malformed catalog fails construction.
func NewService(log *zap.Logger, host repohost.Client, clock clocks.Clock, templates []Template) (*Service, error) {
	for i := range templates {
		if err := templates[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &Service{
		log:       log,
		host:      host,
		evaluator: NewEvaluator(log, clock),
		clock:     clock,
		templates: templates,
		results:   make(map[string]*Result),
	}, nil
}

// Templates returns the catalog.
func (service *Service) Templates() []Template {
	return service.templates
}

// Check evaluates the repository against the named templates, or against
// the whole catalog when names is empty, and remembers the result.
func (service *Service) Check(ctx context.Context, repository string, names []string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	templates, err := service.selectTemplates(names)
	if err != nil {
		return nil, err
	}
	inventory, err := service.buildInventory(ctx, repository, templates)
	if err != nil {
		return nil, err
	}

	result, err := service.evaluator.Evaluate(ctx, *inventory, templates)
	if err != nil {
		return nil, err
	}

	service.mu.Lock()
	service.results[repository] = &result
	service.mu.Unlock()
	return &result, nil
}

// Status returns the latest verdicts with score >= minScore, ordered by
// repository.
func (service *Service) Status(ctx context.Context, minScore int) (_ []*Result, err error) {
	defer mon.Task()(&ctx)(&err)

	service.mu.Lock()
	results := make([]*Result, 0, len(service.results))
	for _, result := range service.results {
		if result.Score >= minScore {
			results = append(results, result)
		}
	}
	service.mu.Unlock()

	sort.Slice(results, func(i, k int) bool {
		return results[i].Repository < results[k].Repository
	})
	return results, nil
}

// Apply writes the canonical content of the named template into the
// repository and re-evaluates it.
func (service *Service) Apply(ctx context.Context, repository, name string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	template, err := service.findTemplate(name)
	if err != nil {
		return nil, err
	}
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}

	for _, required := range template.RequiredFiles {
		if len(required.Content) == 0 {
			continue
		}

		sha := ""
		current, err := service.host.GetFile(ctx, owner, repo, required.Path, "")
		switch {
		case err == nil:
			if hashBytes(current.Content) == hashBytes(required.Content) {
				continue
			}
			sha = current.SHA
		case faults.KindOf(err) == faults.NotFound:
		default:
			return nil, err
		}

		_, err = service.host.PutFile(ctx, repohost.PutFileRequest{
			Owner:   owner,
			Repo:    repo,
			Path:    required.Path,
			Content: required.Content,
			Message: "chore: apply template " + template.ID,
			SHA:     sha,
		})
		if err != nil {
			return nil, err
		}
		service.log.Info("template file applied",
			zap.String("repository", repository),
			zap.String("template", template.ID),
			zap.String("path", required.Path))
	}

	return service.Check(ctx, repository, []string{name})
}

func (service *Service) selectTemplates(names []string) ([]Template, error) {
	if len(names) == 0 {
		return service.templates, nil
	}
	var selected []Template
	for _, name := range names {
		template, err := service.findTemplate(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, *template)
	}
	return selected, nil
}

func (service *Service) findTemplate(name string) (*Template, error) {
	for i := range service.templates {
		if service.templates[i].ID == name || service.templates[i].Name == name {
			return &service.templates[i], nil
		}
	}
	return nil, faults.New(faults.NotFound, "unknown template %q", name)
}

// buildInventory fetches every file the templates require plus the
// metadata manifest. Directories are inferred from the paths that exist.
func (service *Service) buildInventory(ctx context.Context, repository string, templates []Template) (*Inventory, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}

	inventory := &Inventory{
		Repository:  repository,
		Files:       make(map[string]string),
		Contents:    make(map[string][]byte),
		Directories: make(map[string]bool),
		Metadata:    make(map[string]string),
	}

	paths := make(map[string]struct{})
	for _, template := range templates {
		for _, required := range template.RequiredFiles {
			paths[required.Path] = struct{}{}
		}
	}

	for path := range paths {
		content, err := service.host.GetFile(ctx, owner, repo, path, "")
		if err != nil {
			if faults.KindOf(err) == faults.NotFound {
				continue
			}
			return nil, err
		}
		inventory.Files[path] = hashBytes(content.Content)
		inventory.Contents[path] = content.Content
		markDirectories(inventory.Directories, path)
	}

	manifest, err := service.host.GetFile(ctx, owner, repo, metadataManifest, "")
	if err == nil {
		if err := yaml.Unmarshal(manifest.Content, &inventory.Metadata); err != nil {
			service.log.Warn("malformed metadata manifest",
				zap.String("repository", repository), zap.Error(err))
		}
	} else if faults.KindOf(err) != faults.NotFound {
		return nil, err
	}

	return inventory, nil
}

// markDirectories records every parent directory of path as present.
func markDirectories(directories map[string]bool, path string) {
	for {
		i := strings.LastIndexByte(path, '/')
		if i < 0 {
			return
		}
		path = path[:i]
		directories[path] = true
	}
}

func hashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func splitRepository(repository string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", faults.New(faults.Validation, "repository must be owner/name, got %q", repository)
	}
	return owner, repo, nil
}

// LoadTemplates reads every yaml template definition in dir.
func LoadTemplates(dir string) ([]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var templates []Template
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		var template Template
		if err := yaml.Unmarshal(data, &template); err != nil {
			return nil, Error.New("parsing %s: %v", entry.Name(), err)
		}
		if err := template.Validate(); err != nil {
			return nil, err
		}
		templates = append(templates, template)
	}
	return templates, nil
}
