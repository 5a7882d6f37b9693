package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	gstorage "cloud.google.com/go/storage"
	"github.com/airbusgeo/geocube/interface/storage"
	"github.com/airbusgeo/geocube/interface/storage/uri"
)

// ErrFileNotFound is an error returned by ImportFile or DeleteFile
type ErrFileNotFound struct {
	File string
}

func (e ErrFileNotFound) Error() string {
	return fmt.Sprintf("File not found: %s", e.File)
}

func isErrNotFound(err error) bool {
	var epath *os.PathError
	return errors.Is(err, gstorage.ErrObjectNotExist) ||
		(errors.As(err, &epath) && os.IsNotExist(epath))
}

// Storage is a service to store and retrieve the rasters of a run.
// Keys are relative to the root of the storage (e.g. customF/T31TCJ_chunk_0.tif)
type Storage interface {
	// SaveFile persists the local file into the storage and returns its uri
	SaveFile(ctx context.Context, localFile, key string) (string, error)
	// ImportFile imports the file from the storage to the local file
	// Raise ErrFileNotFound
	ImportFile(ctx context.Context, key, localFile string) error
	// DeleteFile deletes the file from the storage
	// Raise ErrFileNotFound
	DeleteFile(ctx context.Context, key string) error
	// URI returns the uri of the key
	URI(key string) string
}

// StorageStrategy implements Storage using geocube.Strategy
type StorageStrategy struct {
	storage storage.Strategy
	uri     uri.DefaultUri
}

// NewStorageStrategy creates a new StorageStrategy rooted at storageURI (local path or gs://bucket/prefix)
func NewStorageStrategy(ctx context.Context, storageURI string) (*StorageStrategy, error) {
	uri, err := uri.ParseUri(storageURI)
	if err != nil {
		return nil, fmt.Errorf("NewStorageStrategy.ParseURI: %w", err)
	}

	storageClient, err := uri.NewStorageStrategy(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewStorageStrategy: %w", err)
	}

	return &StorageStrategy{storage: storageClient, uri: uri}, nil
}

// SaveFile implements Storage
func (ss *StorageStrategy) SaveFile(ctx context.Context, localFile, key string) (string, error) {
	f, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("SaveFile.Open: %w", err)
	}
	defer f.Close()

	dst := ss.URI(key)
	if err := ss.storage.UploadFile(ctx, dst, f); err != nil {
		return "", MakeTemporary(fmt.Errorf("SaveFile.UploadFile to %s: %w", dst, err))
	}
	return dst, nil
}

// ImportFile implements Storage
func (ss *StorageStrategy) ImportFile(ctx context.Context, key, localFile string) error {
	src := ss.URI(key)
	if err := os.MkdirAll(filepath.Dir(localFile), 0755); err != nil {
		return fmt.Errorf("ImportFile.MkdirAll: %w", err)
	}
	if err := ss.storage.DownloadToFile(ctx, src, localFile); err != nil {
		if isErrNotFound(err) {
			return ErrFileNotFound{src}
		}
		return MakeTemporary(fmt.Errorf("ImportFile.DownloadToFile from %s: %w", src, err))
	}
	return nil
}

// DeleteFile implements Storage
func (ss *StorageStrategy) DeleteFile(ctx context.Context, key string) error {
	file := ss.URI(key)
	if err := ss.storage.Delete(ctx, file); err != nil {
		if isErrNotFound(err) {
			return ErrFileNotFound{file}
		}
		return fmt.Errorf("DeleteFile.Delete: %w", err)
	}
	return nil
}

// URI implements Storage
func (ss *StorageStrategy) URI(key string) string {
	uri := ss.uri.String()
	if !strings.HasSuffix(uri, "/") {
		uri += "/"
	}
	return uri + path.Clean(key)
}

// Extension of a file
type Extension string

// Extensions of the files produced by the pipeline
const (
	NoExtension    Extension = ""
	ExtensionGTiff Extension = "tif"
	ExtensionVRT   Extension = "vrt"
	ExtensionXML   Extension = "xml"
	ExtensionGPKG  Extension = "gpkg"
	ExtensionJSON  Extension = "json"
	ExtensionText  Extension = "txt"
)

// WithExt replaces the extension of the file
func WithExt(filePath string, ext Extension) string {
	filePath = strings.TrimSuffix(filePath, filepath.Ext(filePath))
	if ext != NoExtension {
		return fmt.Sprintf("%s.%s", filePath, ext)
	}
	return filePath
}

// ReadFile reads a local file, or downloads it if it's an uri (e.g. gs://bucket/file.json)
func ReadFile(ctx context.Context, file string) ([]byte, error) {
	if _, err := os.Stat(file); err == nil {
		return os.ReadFile(file)
	}
	fileUri, err := uri.ParseUri(file)
	if err != nil {
		return nil, fmt.Errorf("ReadFile[%s]: %w", file, err)
	}
	tmp, err := os.CreateTemp("", "")
	if err != nil {
		return nil, fmt.Errorf("ReadFile[%s]: unable to create temp file: %w", file, err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if err := fileUri.DownloadToFile(ctx, tmp.Name()); err != nil {
		if isErrNotFound(err) {
			return nil, ErrFileNotFound{file}
		}
		return nil, fmt.Errorf("ReadFile[%s]: unable to download: %w", file, err)
	}
	return os.ReadFile(tmp.Name())
}
