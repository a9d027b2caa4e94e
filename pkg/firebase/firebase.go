package firebase

import (
	"context"
	"fmt"
	"os"

	gcs "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"google.golang.org/api/option"
)

// App holds the initialized Firebase app and the admin clients built from it
type App struct {
	FirebaseApp *firebase.App
	AuthClient  *auth.Client
	// Bucket is nil when no storage bucket is configured.
	Bucket     *gcs.BucketHandle
	BucketName string
}

// InitFirebase initializes the Firebase application, its auth client and,
// when bucket is set, a handle on the storage bucket
func InitFirebase(ctx context.Context, credentialsPath, bucket string) (*App, error) {
	if credentialsPath == "" {
		return nil, fmt.Errorf("firebase credentials path not provided")
	}
	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("firebase credentials file not found at %s", credentialsPath)
	}

	opt := option.WithCredentialsFile(credentialsPath)
	firebaseApp, err := firebase.NewApp(ctx, &firebase.Config{StorageBucket: bucket}, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting firebase auth client: %w", err)
	}
	app := &App{FirebaseApp: firebaseApp, AuthClient: authClient}

	if bucket != "" {
		storageClient, err := firebaseApp.Storage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting firebase storage client: %w", err)
		}
		handle, err := storageClient.DefaultBucket()
		if err != nil {
			return nil, fmt.Errorf("error opening storage bucket %q: %w", bucket, err)
		}
		app.Bucket = handle
		app.BucketName = bucket
	}

	logging.Info().Bool("storage", app.Bucket != nil).Msg("Firebase app and auth client initialized")
	return app, nil
}
