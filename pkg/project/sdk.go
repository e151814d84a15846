package project

import "strings"

// Well-known target names
const (
	TargetRestore                     = "Restore"
	TargetBuild                       = "Build"
	TargetCompile                     = "Compile"
	TargetCompileDesignTime           = "CompileDesignTime"
	TargetStaticWebAssetsManifest     = "GenerateStaticWebAssetsDevelopmentManifest"
	TargetResolveScopedCSSInputs      = "ResolveScopedCssInputs"
	TargetResolveProjectReferences    = "ResolveProjectReferences"
	TargetGenerateBuildDependencyFile = "GenerateBuildDependencyFile"
	TargetResolveAssemblyReferences   = "ResolveAssemblyReferences"
)

// Well-known property names
const (
	PropTargetFramework             = "TargetFramework"
	PropTargetFrameworks            = "TargetFrameworks"
	PropEnableDefaultItems          = "EnableDefaultItems"
	PropDefaultItemExcludes         = "DefaultItemExcludes"
	PropBaseOutputPath              = "BaseOutputPath"
	PropBaseIntermediateOutputPath  = "BaseIntermediateOutputPath"
	PropOutputPath                  = "OutputPath"
	PropIntermediateOutputPath      = "IntermediateOutputPath"
	PropConfiguration               = "Configuration"
	PropArtifactsPath               = "ArtifactsPath"
	PropImportDirectoryBuildProps   = "ImportDirectoryBuildProps"
	PropImportDirectoryBuildTargets = "ImportDirectoryBuildTargets"
	PropCustomCollectWatchItems     = "CustomCollectWatchItems"
	PropAppendTargetFramework       = "AppendTargetFrameworkToOutputPath"
	PropEntryPointFilePath          = "EntryPointFilePath"
	PropStaticWebAssetsManifestPath = "StaticWebAssetDevelopmentManifestPath"
	PropAssemblyName                = "AssemblyName"
)

// DefaultSDK is used by synthesized single-file projects
const DefaultSDK = "Microsoft.NET.Sdk"

// sdkInfo describes what an SDK contributes to evaluation: properties set before
// the project body (props phase) and the targets it makes available.
type sdkInfo struct {
	props   [][2]string
	targets []string
}

var baseTargets = []string{
	TargetRestore,
	TargetBuild,
	TargetCompile,
	TargetCompileDesignTime,
	TargetResolveProjectReferences,
	TargetResolveAssemblyReferences,
	TargetGenerateBuildDependencyFile,
}

var webTargets = []string{
	TargetStaticWebAssetsManifest,
	TargetResolveScopedCSSInputs,
}

var baseProps = [][2]string{
	{"UsingMicrosoftNETSdk", "true"},
	{PropConfiguration, "Debug"},
	{"Platform", "AnyCPU"},
	{PropEnableDefaultItems, "true"},
	{PropImportDirectoryBuildProps, "true"},
	{PropImportDirectoryBuildTargets, "true"},
}

var knownSDKs = map[string]sdkInfo{
	"microsoft.net.sdk": {
		props:   baseProps,
		targets: baseTargets,
	},
	"microsoft.net.sdk.worker": {
		props:   baseProps,
		targets: baseTargets,
	},
	"microsoft.net.sdk.web": {
		props:   append(append([][2]string{}, baseProps...), [2]string{"UsingMicrosoftNETSdkWeb", "true"}, [2]string{"UsingMicrosoftNETSdkRazor", "true"}),
		targets: append(append([]string{}, baseTargets...), webTargets...),
	},
	"microsoft.net.sdk.razor": {
		props:   append(append([][2]string{}, baseProps...), [2]string{"UsingMicrosoftNETSdkRazor", "true"}),
		targets: append(append([]string{}, baseTargets...), webTargets...),
	},
	"microsoft.net.sdk.blazorwebassembly": {
		props:   append(append([][2]string{}, baseProps...), [2]string{"UsingMicrosoftNETSdkBlazorWebAssembly", "true"}, [2]string{"UsingMicrosoftNETSdkRazor", "true"}),
		targets: append(append([]string{}, baseTargets...), webTargets...),
	},
}

// lookupSDK returns the SDK description. Unknown SDKs are treated like the base SDK
// since discovery is best effort.
func lookupSDK(name string) (sdkInfo, bool) {
	info, ok := knownSDKs[strings.ToLower(name)]
	if !ok {
		return knownSDKs["microsoft.net.sdk"], false
	}
	return info, true
}

// defaultExcludes are appended to DefaultItemExcludes when default items are enabled
const defaultExcludes = "$(BaseOutputPath)/**;$(BaseIntermediateOutputPath)/**;**/*.user;**/*.*proj;**/*.sln;**/*.slnx;**/*.vssscc;**/.*/**"
