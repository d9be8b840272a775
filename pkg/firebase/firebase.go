package firebase

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	gcs "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/anonto42/tilt/backend/pkg/config"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// App holds the initialized Firebase app and the clients the service uses.
type App struct {
	FirebaseApp *firebase.App
	AuthClient  *auth.Client
	Firestore   *firestore.Client
	Bucket      *gcs.BucketHandle
}

// InitFirebase initializes the Firebase application. The auth client is
// created for firebase auth mode, Firestore for the firestore backend, and
// the storage bucket whenever one is configured.
func InitFirebase(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.FirebaseCredentialsPath == "" {
		return nil, fmt.Errorf("Firebase credentials path not provided")
	}
	if _, err := os.Stat(cfg.FirebaseCredentialsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("Firebase credentials file not found at %s", cfg.FirebaseCredentialsPath)
	}

	opt := option.WithCredentialsFile(cfg.FirebaseCredentialsPath)
	fbConfig := &firebase.Config{ProjectID: cfg.FirebaseProjectID, StorageBucket: cfg.FirebaseStorageBucket}
	firebaseApp, err := firebase.NewApp(ctx, fbConfig, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	app := &App{FirebaseApp: firebaseApp}

	if cfg.AuthMode == "firebase" {
		if app.AuthClient, err = firebaseApp.Auth(ctx); err != nil {
			return nil, fmt.Errorf("error getting firebase auth client: %w", err)
		}
	}
	if cfg.StoreBackend == "firestore" {
		if app.Firestore, err = firebaseApp.Firestore(ctx); err != nil {
			return nil, fmt.Errorf("error getting firestore client: %w", err)
		}
	}
	if cfg.FirebaseStorageBucket != "" {
		client, err := firebaseApp.Storage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting storage client: %w", err)
		}
		if app.Bucket, err = client.DefaultBucket(); err != nil {
			return nil, fmt.Errorf("error getting storage bucket: %w", err)
		}
	}

	logger.Log.Info("Firebase app initialized")
	return app, nil
}
