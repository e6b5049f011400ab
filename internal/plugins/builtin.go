// Package plugins bundles the plugins linked into the flowplug binary. They are
// served through one static native module so the registry drives them exactly
// like a shared library.
package plugins

import (
	"github.com/alexisbeaulieu97/flowplug/internal/loader/native"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	chunkerplugin "github.com/alexisbeaulieu97/flowplug/internal/plugins/chunker"
	commandplugin "github.com/alexisbeaulieu97/flowplug/internal/plugins/command"
	csvplugin "github.com/alexisbeaulieu97/flowplug/internal/plugins/csv"
	repoplugin "github.com/alexisbeaulieu97/flowplug/internal/plugins/repo"
	templateplugin "github.com/alexisbeaulieu97/flowplug/internal/plugins/template"
	timestampplugin "github.com/alexisbeaulieu97/flowplug/internal/plugins/timestamp"
)

// ModuleName is the static module the builtin entry points name.
const ModuleName = "flowplug"

// EntryPoint is the native entry point of every builtin plugin.
const EntryPoint = manifest.BuiltinPrefix + ModuleName

// Module returns a fresh static module exporting every builtin plugin.
func Module() *native.StaticModule {
	mod := native.NewStaticModule(ModuleName)
	mod.ExportSource(csvplugin.Name, csvplugin.New)
	mod.ExportSource(repoplugin.Name, repoplugin.New)
	mod.ExportEnrichment(timestampplugin.Name, timestampplugin.New)
	mod.ExportEnrichment(chunkerplugin.Name, chunkerplugin.New)
	mod.ExportEnrichment(templateplugin.Name, templateplugin.New)
	mod.ExportEnrichment(commandplugin.Name, commandplugin.New)
	return mod
}

// Manifests returns the manifests of the builtin plugins.
func Manifests() []manifest.Manifest {
	return []manifest.Manifest{
		csvplugin.Manifest(EntryPoint),
		repoplugin.Manifest(EntryPoint),
		timestampplugin.Manifest(EntryPoint),
		chunkerplugin.Manifest(EntryPoint),
		templateplugin.Manifest(EntryPoint),
		commandplugin.Manifest(EntryPoint),
	}
}

// Root exposes the builtin manifests to discovery.
func Root() manifest.StaticRoot {
	return manifest.StaticRoot{Label: ModuleName, Manifests: Manifests()}
}
