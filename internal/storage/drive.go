package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/maltedev/catalog-monitor/internal/snapshot"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type DriveOptions struct {
	// CredentialsFile is the OAuth client secret downloaded from the console.
	CredentialsFile string
	// TokenFile holds a previously authorized user token.
	TokenFile string
	PageSize  int64
}

// DriveStore keeps artifacts in Google Drive folders.
type DriveStore struct {
	files *drive.FilesService
	opts  DriveOptions
}

// NewDriveStore authorizes against Drive from the credentials and token
// files. A missing or unreadable file is an ErrAuth.
func NewDriveStore(ctx context.Context, opts DriveOptions) (*DriveStore, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}

	client, err := driveHTTPClient(ctx, opts)
	if err != nil {
		return nil, &StoreError{Op: "auth", Err: err}
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, &StoreError{Op: "auth", Err: fmt.Errorf("%w: %v", ErrAuth, err)}
	}

	return &DriveStore{files: srv.Files, opts: opts}, nil
}

func driveHTTPClient(ctx context.Context, opts DriveOptions) (*http.Client, error) {
	secret, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials: %v", ErrAuth, err)
	}

	config, err := google.ConfigFromJSON(secret, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse credentials: %v", ErrAuth, err)
	}

	tok, err := readToken(opts.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read token: %v", ErrAuth, err)
	}
	if tok.RefreshToken == "" && !tok.Valid() {
		return nil, fmt.Errorf("%w: token expired and cannot be refreshed", ErrAuth)
	}

	return config.Client(ctx, tok), nil
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *DriveStore) Put(ctx context.Context, localPath, name, folderID, mimeType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", opError("put", err)
	}
	defer f.Close()

	meta := &drive.File{Name: name}
	if folderID != "" {
		meta.Parents = []string{folderID}
	}

	created, err := s.files.Create(meta).
		Media(f, googleapi.ContentType(mimeType)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", opError("put", classifyDrive(err))
	}
	return created.Id, nil
}

func (s *DriveStore) List(ctx context.Context, folderID, suffix string) ([]snapshot.Artifact, error) {
	q := "trashed = false"
	if folderID != "" {
		q = fmt.Sprintf("'%s' in parents and %s", strings.ReplaceAll(folderID, "'", `\'`), q)
	}

	var out []snapshot.Artifact
	err := s.files.List().
		Q(q).
		OrderBy("createdTime desc").
		Fields("nextPageToken, files(id, name, createdTime)").
		PageSize(s.opts.PageSize).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				if !strings.HasSuffix(f.Name, suffix) {
					continue
				}
				created, err := time.Parse(time.RFC3339, f.CreatedTime)
				if err != nil {
					return fmt.Errorf("bad createdTime %q for %s: %w", f.CreatedTime, f.Id, err)
				}
				out = append(out, snapshot.Artifact{ID: f.Id, Name: f.Name, CreatedTime: created})
			}
			return nil
		})
	if err != nil {
		return nil, opError("list", classifyDrive(err))
	}

	return out, nil
}

func (s *DriveStore) Get(ctx context.Context, id string) ([]byte, error) {
	resp, err := s.files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, opError("get", classifyDrive(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, opError("get", err)
	}
	return data, nil
}

// classifyDrive maps Drive API failures onto the store sentinels.
func classifyDrive(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrAuth, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	return err
}
