package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/authz"
	"github.com/Metacomet-Technologies/server-manager/internal/connection"
	"github.com/Metacomet-Technologies/server-manager/internal/crypto"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
	"github.com/Metacomet-Technologies/server-manager/internal/logutil"
	"github.com/Metacomet-Technologies/server-manager/internal/middleware"
	"github.com/Metacomet-Technologies/server-manager/internal/session"
	"github.com/go-chi/chi/v5"
)

// ConnFactory is set from main.go during init.
var ConnFactory session.Factory

type serverPayload struct {
	Name          *string `json:"name"`
	Host          *string `json:"host"`
	Port          *int    `json:"port"`
	Username      *string `json:"username"`
	AuthType      *string `json:"auth_type"`
	Password      *string `json:"password"`
	PrivateKey    *string `json:"private_key"`
	KeyPassphrase *string `json:"key_passphrase"`
	IsLocal       *bool   `json:"is_local"`
	Metadata      *string `json:"metadata"`
}

// encryptInto stores the payload's secret fields on the server row in
// encrypted form. Absent fields are left untouched.
func encryptInto(p *serverPayload, server *database.Server) error {
	if p.Password != nil {
		enc, err := crypto.Encrypt(*p.Password)
		if err != nil {
			return err
		}
		server.Password = enc
	}
	if p.PrivateKey != nil {
		enc, err := crypto.Encrypt(*p.PrivateKey)
		if err != nil {
			return err
		}
		server.PrivateKey = enc
	}
	if p.KeyPassphrase != nil {
		enc, err := crypto.Encrypt(*p.KeyPassphrase)
		if err != nil {
			return err
		}
		server.KeyPassphrase = enc
	}
	return nil
}

func loadOwnedServer(w http.ResponseWriter, r *http.Request, check func(*database.Server, uint) bool) *database.Server {
	user := middleware.GetUser(r)
	server, err := database.GetServer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return nil
	}
	if !check(server, user.ID) {
		writeError(w, http.StatusForbidden, "Access denied")
		return nil
	}
	return server
}

func ListServers(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	servers, err := database.ListServersForUser(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list servers")
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func CreateServer(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var p serverPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if p.Name == nil || *p.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}

	server := &database.Server{
		UserID:   user.ID,
		Name:     *p.Name,
		AuthType: database.AuthPassword,
	}
	if p.Host != nil {
		server.Host = *p.Host
	}
	if p.Port != nil {
		server.Port = *p.Port
	}
	if p.Username != nil {
		server.Username = *p.Username
	}
	if p.AuthType != nil {
		server.AuthType = *p.AuthType
	}
	if p.IsLocal != nil {
		server.IsLocal = *p.IsLocal
	}
	if p.Metadata != nil {
		server.Metadata = *p.Metadata
	}
	if !server.IsLocal && (server.Host == "" || server.Username == "") {
		writeError(w, http.StatusBadRequest, "Host and username are required for remote servers")
		return
	}
	if err := encryptInto(&p, server); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}

	if err := database.DB.Create(server).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create server")
		return
	}
	log.Printf("[server] user %d created server %s", user.ID, logutil.SanitizeForLog(server.Name))
	writeJSON(w, http.StatusCreated, server)
}

func GetServer(w http.ResponseWriter, r *http.Request) {
	server := loadOwnedServer(w, r, authz.CanViewServer)
	if server == nil {
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func UpdateServer(w http.ResponseWriter, r *http.Request) {
	server := loadOwnedServer(w, r, authz.CanUpdateServer)
	if server == nil {
		return
	}

	var p serverPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if p.Name != nil {
		server.Name = *p.Name
	}
	if p.Host != nil {
		server.Host = *p.Host
	}
	if p.Port != nil {
		server.Port = *p.Port
	}
	if p.Username != nil {
		server.Username = *p.Username
	}
	if p.AuthType != nil {
		server.AuthType = *p.AuthType
	}
	if p.IsLocal != nil {
		server.IsLocal = *p.IsLocal
	}
	if p.Metadata != nil {
		server.Metadata = *p.Metadata
	}
	if err := encryptInto(&p, server); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}

	if err := database.DB.Save(server).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update server")
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func DeleteServer(w http.ResponseWriter, r *http.Request) {
	server := loadOwnedServer(w, r, authz.CanDeleteServer)
	if server == nil {
		return
	}
	if err := database.DB.Delete(server).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestServerConnection connects to the server once and disconnects,
// reporting whether the stored credentials work.
func TestServerConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	server := loadOwnedServer(w, r, authz.CanViewServer)
	if server == nil {
		return
	}

	cfg, err := decryptedConfig(server)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to decrypt credentials")
		return
	}

	conn, err := ConnFactory.Create(user.ID, cfg)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	conn.Disconnect()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func decryptedConfig(server *database.Server) (connection.Config, error) {
	password, err := crypto.Decrypt(server.Password)
	if err != nil {
		return connection.Config{}, err
	}
	key, err := crypto.Decrypt(server.PrivateKey)
	if err != nil {
		return connection.Config{}, err
	}
	passphrase, err := crypto.Decrypt(server.KeyPassphrase)
	if err != nil {
		return connection.Config{}, err
	}
	return connection.Config{
		Host:          server.Host,
		Port:          server.Port,
		Username:      server.Username,
		AuthType:      server.AuthType,
		Password:      password,
		PrivateKey:    key,
		KeyPassphrase: passphrase,
		IsLocal:       server.IsLocal,
	}, nil
}
