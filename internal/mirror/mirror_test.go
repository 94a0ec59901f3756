package mirror

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
	"github.com/provmirror/provmirror/internal/registry"
	"github.com/provmirror/provmirror/internal/tfe"
)

// fakeUpstream serves descriptors and artifact bytes from memory.
type fakeUpstream struct {
	versions    []string
	versionsErr error
	descriptors map[string]*registry.DownloadInfo // keyed by os_arch
	objects     map[string][]byte                 // keyed by URL

	downloadCalls int
}

func (f *fakeUpstream) Versions(_ context.Context, _, _ string) ([]string, error) {
	if f.versionsErr != nil {
		return nil, f.versionsErr
	}
	return f.versions, nil
}

func (f *fakeUpstream) PlatformDownload(_ context.Context, _, _, _, osName, arch string) (*registry.DownloadInfo, error) {
	info, ok := f.descriptors[osName+"_"+arch]
	if !ok {
		return nil, errors.Mark(errors.Newf("no descriptor for %s_%s", osName, arch), errcode.ErrNotFound)
	}
	return info, nil
}

func (f *fakeUpstream) DownloadBytes(_ context.Context, rawURL string) ([]byte, error) {
	f.downloadCalls++
	data, ok := f.objects[rawURL]
	if !ok {
		return nil, errors.Mark(errors.Newf("not found upstream: %s", rawURL), errcode.ErrNotFound)
	}
	return data, nil
}

func (f *fakeUpstream) DownloadFile(_ context.Context, rawURL string, file *os.File) (int64, error) {
	f.downloadCalls++
	data, ok := f.objects[rawURL]
	if !ok {
		return 0, errors.Mark(errors.Newf("not found upstream: %s", rawURL), errcode.ErrNotFound)
	}
	n, err := file.Write(data)
	return int64(n), err
}

// fakeDestination is a scriptable Destination recording every mutation.
type fakeDestination struct {
	providerExists bool
	getVersionErr  error
	version        *tfe.Version
	createErr      error
	platforms      []tfe.PlatformRecord
	listErr        error
	uploadErr      error

	createdProviders []string
	createdVersions  []string
	createdPlatforms []tfe.PlatformAttributes
	uploads          []string

	getVersionHook func(ctx context.Context) error
}

func (f *fakeDestination) HasProvider(_ context.Context, _ string) (bool, error) {
	return f.providerExists, nil
}

func (f *fakeDestination) CreateProvider(_ context.Context, name string) error {
	f.createdProviders = append(f.createdProviders, name)
	return nil
}

func (f *fakeDestination) GetVersion(ctx context.Context, name, version string) (*tfe.Version, error) {
	if f.getVersionHook != nil {
		if err := f.getVersionHook(ctx); err != nil {
			return nil, err
		}
	}
	if f.getVersionErr != nil {
		return nil, f.getVersionErr
	}
	if f.version != nil {
		return f.version, nil
	}
	return &tfe.Version{Version: version}, nil
}

func (f *fakeDestination) CreateVersion(_ context.Context, name, version, _ string) (*tfe.Version, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createdVersions = append(f.createdVersions, name+"@"+version)
	if f.version != nil {
		return f.version, nil
	}
	return &tfe.Version{
		Version:          version,
		SHASumsUpload:    "mem://shasums-upload",
		SHASumsSigUpload: "mem://sig-upload",
	}, nil
}

func (f *fakeDestination) ListPlatforms(_ context.Context, _, _ string) ([]tfe.PlatformRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.platforms, nil
}

func (f *fakeDestination) CreatePlatform(_ context.Context, _, _ string, attrs tfe.PlatformAttributes) (*tfe.PlatformRecord, error) {
	f.createdPlatforms = append(f.createdPlatforms, attrs)
	return &tfe.PlatformRecord{
		OS:           attrs.OS,
		Arch:         attrs.Arch,
		SHASum:       attrs.SHASum,
		Filename:     attrs.Filename,
		BinaryUpload: "mem://binary-upload/" + attrs.Filename,
	}, nil
}

func (f *fakeDestination) UploadArchive(_ context.Context, uploadURL string, r io.Reader, _ int64) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	f.uploads = append(f.uploads, uploadURL)
	return nil
}

func (f *fakeDestination) VersionURL(name, version string) string {
	return "https://app.example.com/app/acme/registry/private/providers/acme/" + name + "/" + version
}
