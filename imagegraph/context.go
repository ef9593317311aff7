package imagegraph

import (
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// SharedRegionMode mirrors DYLD_SHARED_REGION.
type SharedRegionMode int

const (
	SharedRegionUse SharedRegionMode = iota
	SharedRegionPrivate
	SharedRegionAvoid
)

// Permissions gates the handful of behaviors a restricted process (setuid,
// library-validated, or explicitly marked restricted) must refuse
// regardless of what the environment asks for (§6).
type Permissions struct {
	MayUseAtPaths        bool
	MayUseEnvVarPaths    bool
	MayUseCustomCache    bool
	MayFollowFallbackPaths bool
	MayPermitInsertFailures bool
	Restricted           bool
}

// ProcessVars models the original's "programVars" struct: pointers the
// loader publishes for the rest of the runtime, mirrored here as plain
// struct fields since this core has no real process image to poke.
type ProcessVars struct {
	MainExecutablePath string
	EnvironPtr         []string
	ProcessInfoPtr     uintptr
}

// LinkContext is the plumbing threaded through every phase: environment
// flags, the main executable, platform tag, and permissions (§3).
type LinkContext struct {
	// Search configuration, mirroring the *_LIBRARY_PATH family (§6).
	LibraryPath         []string
	FrameworkPath       []string
	FallbackLibraryPath []string
	FallbackFrameworkPath []string
	InsertLibraries     []string
	ImageSuffix         []string
	RootPath            []string

	ForceFlatNamespace bool
	BindAtLaunch       bool
	SharedRegion       SharedRegionMode

	MainExecutable *Image
	Platform       string
	Permissions    Permissions
	ProcessVars    ProcessVars
}

// NewLinkContextFromEnvironment builds a LinkContext from the process
// environment, honoring the *_ prefix convention of §6. A restricted
// process reads no DYLD_* variable: every path list stays empty, the
// default permissions are kept except that MayUseEnvVarPaths and
// MayUseCustomCache are cleared, and Permissions.Restricted is true.
func NewLinkContextFromEnvironment(restricted bool, platform string) *LinkContext {
	lc := &LinkContext{
		Platform: platform,
		Permissions: Permissions{
			MayUseAtPaths:           true,
			MayUseEnvVarPaths:       true,
			MayUseCustomCache:       true,
			MayFollowFallbackPaths:  true,
			MayPermitInsertFailures: false,
			Restricted:              restricted,
		},
	}
	if restricted {
		lc.Permissions.MayUseEnvVarPaths = false
		lc.Permissions.MayUseCustomCache = false
		return lc
	}

	lc.LibraryPath = splitColon(os.Getenv("DYLD_LIBRARY_PATH"))
	lc.FrameworkPath = splitColon(os.Getenv("DYLD_FRAMEWORK_PATH"))
	lc.FallbackLibraryPath = splitColon(os.Getenv("DYLD_FALLBACK_LIBRARY_PATH"))
	lc.FallbackFrameworkPath = splitColon(os.Getenv("DYLD_FALLBACK_FRAMEWORK_PATH"))
	lc.InsertLibraries = splitColon(os.Getenv("DYLD_INSERT_LIBRARIES"))
	lc.ImageSuffix = splitColon(os.Getenv("DYLD_IMAGE_SUFFIX"))
	lc.RootPath = splitColon(os.Getenv("DYLD_ROOT_PATH"))
	lc.ForceFlatNamespace = os.Getenv("DYLD_FORCE_FLAT_NAMESPACE") != ""
	lc.BindAtLaunch = os.Getenv("DYLD_BIND_AT_LAUNCH") != ""

	switch strings.ToLower(os.Getenv("DYLD_SHARED_REGION")) {
	case "private":
		lc.SharedRegion = SharedRegionPrivate
	case "avoid":
		lc.SharedRegion = SharedRegionAvoid
	default:
		lc.SharedRegion = SharedRegionUse
	}

	return lc
}

func splitColon(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ":")
}

// ApplyEmbeddedEnvironment overlays the KEY=VALUE pairs recorded in an
// LC_DYLD_ENVIRONMENT load command onto lc, decoding them with
// mapstructure. Only DYLD_LIBRARY_PATH, DYLD_FRAMEWORK_PATH,
// DYLD_INSERT_LIBRARIES, DYLD_IMAGE_SUFFIX, DYLD_FORCE_FLAT_NAMESPACE and
// DYLD_BIND_AT_LAUNCH are applied; other keys are ignored. The process
// environment is read separately, by NewLinkContextFromEnvironment.
// Embedded entries are ignored entirely for a restricted process.
func (lc *LinkContext) ApplyEmbeddedEnvironment(pairs []string) error {
	if lc.Permissions.Restricted {
		return nil
	}
	raw := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "DYLD_LIBRARY_PATH":
			raw["LibraryPath"] = splitColon(v)
		case "DYLD_FRAMEWORK_PATH":
			raw["FrameworkPath"] = splitColon(v)
		case "DYLD_INSERT_LIBRARIES":
			raw["InsertLibraries"] = splitColon(v)
		case "DYLD_IMAGE_SUFFIX":
			raw["ImageSuffix"] = splitColon(v)
		case "DYLD_FORCE_FLAT_NAMESPACE":
			raw["ForceFlatNamespace"] = v != ""
		case "DYLD_BIND_AT_LAUNCH":
			raw["BindAtLaunch"] = v != ""
		}
	}
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           lc,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
