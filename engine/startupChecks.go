package engine

import (
	"fmt"
	"net/url"
	"os"

	"github.com/drummonds/docpages/config"
)

// StartupChecks performs all the checks to make sure everything works
func (serverHandler *ServerHandler) StartupChecks() error {
	serverConfig := serverHandler.ServerConfig
	if err := uploadDirectoryChecks(serverConfig); err != nil {
		return err
	}
	converterChecks(serverConfig)
	if err := bucketChecks(serverConfig); err != nil {
		return err
	}
	if serverHandler.Engine != nil {
		Logger.Info("Rasterizer ready", "rasterizer", serverHandler.Engine.Rasterizer.Name())
	}
	return nil
}

// uploadDirectoryChecks ensures the local blob directory exists
func uploadDirectoryChecks(serverConfig config.ServerConfig) error {
	if serverConfig.BlobBackend != "local" {
		return nil
	}
	if serverConfig.UploadDir == "" {
		return fmt.Errorf("upload directory not configured for the local blob backend")
	}

	info, err := os.Stat(serverConfig.UploadDir)
	if err != nil {
		if os.IsNotExist(err) {
			Logger.Info("Creating upload directory", "path", serverConfig.UploadDir)
			if err := os.MkdirAll(serverConfig.UploadDir, 0755); err != nil {
				Logger.Error("Failed to create upload directory", "path", serverConfig.UploadDir, "error", err)
				return err
			}
			return nil
		}
		Logger.Error("Error checking upload directory", "path", serverConfig.UploadDir, "error", err)
		return err
	}

	// Check if it's actually a directory
	if !info.IsDir() {
		Logger.Error("Upload path exists but is not a directory", "path", serverConfig.UploadDir)
		return fmt.Errorf("upload path is not a directory: %s", serverConfig.UploadDir)
	}

	Logger.Info("Upload directory exists", "path", serverConfig.UploadDir)
	return nil
}

// converterChecks only warns, documents that need no conversion still work without one
func converterChecks(serverConfig config.ServerConfig) {
	if serverConfig.ConverterURL == "" {
		Logger.Info("Converter not configured, office, keynote and CAD documents will fail to convert")
		return
	}
	if _, err := url.ParseRequestURI(serverConfig.ConverterURL); err != nil {
		Logger.Warn("Converter URL is not valid, conversions will fail", "url", serverConfig.ConverterURL, "error", err)
		return
	}
	Logger.Info("Converter service configured", "url", serverConfig.ConverterURL)
}

// bucketChecks makes sure the gcs backend has somewhere to write
func bucketChecks(serverConfig config.ServerConfig) error {
	if serverConfig.BlobBackend == "gcs" && serverConfig.GCSBucket == "" {
		return fmt.Errorf("gcs blob backend selected without GCS_BUCKET")
	}
	return nil
}
