// Package mobile is the gomobile surface of the core. It owns the one
// process-wide runtime; every function is safe to call from any thread.
package mobile

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/identity"
	"panthalassa/go-core/internal/platform/logging"
	"panthalassa/go-core/internal/runtime"
	"panthalassa/go-core/internal/upstream"
)

// UpStream receives JSON payloads pushed by the core.
type UpStream interface {
	Send(data string)
}

var (
	logs = logging.New(os.Stderr)
	rt   = runtime.New(runtime.WithLogging(logs))
)

// Start unlocks the key manager in config with password and starts the
// runtime. dbDir holds the sealed stores.
func Start(dbDir, config, password string, client, ui UpStream) error {
	return rt.Start(context.Background(), runtime.Options{
		StorageDir: dbDir,
		Config:     config,
		Password:   password,
		Client:     sink(client),
		UI:         sink(ui),
	})
}

// StartFromMnemonic starts the runtime without a sealed key manager.
func StartFromMnemonic(dbDir, config, mnemonic string, client, ui UpStream) error {
	return rt.Start(context.Background(), runtime.Options{
		StorageDir: dbDir,
		Config:     config,
		Mnemonic:   mnemonic,
		Client:     sink(client),
		UI:         sink(ui),
	})
}

func Stop() error {
	return rt.Stop(context.Background())
}

// Call runs a named command with a JSON payload.
func Call(command, payload string) (string, error) {
	return rt.Call(context.Background(), command, payload)
}

// CallDAppFunction blocks until the DApp answers callID or its context
// timeout passes.
func CallDAppFunction(signingKey string, callID int64, args string) (string, error) {
	return rt.CallDAppFunction(context.Background(), signingKey, callID, args)
}

// SendResponse answers an outstanding call. timeout is in seconds and only
// validated.
func SendResponse(callID int64, data, responseError string, timeout int64) error {
	return rt.SendResponse(callID, data, responseError, time.Duration(timeout)*time.Second)
}

// StartDApp boots the saved DApp; timeout is in seconds and also bounds
// every later call into it.
func StartDApp(signingKey string, timeout int64) error {
	return rt.StartDApp(context.Background(), signingKey, time.Duration(timeout)*time.Second)
}

func StopDApp(signingKey string) error {
	return rt.StopDApp(signingKey)
}

// OpenDApp forwards an open event with openContext to a running DApp.
func OpenDApp(signingKey, openContext string) error {
	_, err := call("dapp.open", map[string]string{"signing_key": signingKey, "context": openContext})
	return err
}

// RenderMessage asks the DApp owning signingKey to render payload.
func RenderMessage(signingKey, payload string) (string, error) {
	return call("dapp.render", map[string]string{"signing_key": signingKey, "payload": payload})
}

// DApps lists saved DApps and the running contexts as JSON.
func DApps() (string, error) {
	return call("dapp.list", nil)
}

func IsValidMnemonic(mnemonic string) bool {
	return identity.ValidateMnemonic(mnemonic)
}

// NewAccountKeys creates a key manager around a fresh mnemonic, sealed
// with pw.
func NewAccountKeys(pw, pwConfirm string) (string, error) {
	return call("account.new_keys", map[string]string{"password": pw, "password_confirm": pwConfirm})
}

func NewAccountKeysFromMnemonic(mnemonic, pw, pwConfirm string) (string, error) {
	return call("account.from_mnemonic", map[string]string{"mnemonic": mnemonic, "password": pw, "password_confirm": pwConfirm})
}

func SignProfileStandAlone(name, location, image, keyManagerStore, password string) (string, error) {
	return call("profile.sign_standalone", map[string]string{
		"name":        name,
		"location":    location,
		"image":       image,
		"key_manager": keyManagerStore,
		"password":    password,
	})
}

func SignProfile(name, location, image string) (string, error) {
	return call("profile.sign", map[string]string{"name": name, "location": location, "image": image})
}

func SendMessage(partner, message string) error {
	_, err := call("chat.send", map[string]string{"partner": partner, "message": message})
	return err
}

func Messages(partner, start string, amount int64) (string, error) {
	return call("chat.messages", map[string]any{"partner": partner, "start": start, "amount": amount})
}

func MarkMessagesAsRead(partner string) error {
	_, err := call("chat.mark_read", map[string]string{"partner": partner})
	return err
}

func AllChats() (string, error) {
	return call("chat.all", nil)
}

func AddContact(contactKey string) error {
	_, err := call("contact.add", map[string]string{"contact_key": contactKey})
	return err
}

func IdentityPublicKey() (string, error) {
	return call("account.identity_public_key", nil)
}

func GetIdentityPublicKey() (string, error) {
	return IdentityPublicKey()
}

func IdentityID() (string, error) {
	return call("account.identity_id", nil)
}

func GetMnemonic() (string, error) {
	return call("account.mnemonic", nil)
}

// ExportAccountStore seals the running key manager under pw.
func ExportAccountStore(pw, pwConfirm string) (string, error) {
	return call("account.export", map[string]string{"password": pw, "password_confirm": pwConfirm})
}

func EthPrivateKey() (string, error) {
	return call("account.eth_private_key", nil)
}

// EthPubToAddress converts a hex encoded secp256k1 public key to an
// ethereum address.
func EthPubToAddress(pub string) (string, error) {
	return call("account.eth_pub_to_address", map[string]string{"pub": pub})
}

func EthAddress() (string, error) {
	return call("account.eth_address", nil)
}

// SetLogger sets the log level: debug, info, warn or error.
func SetLogger(level string) error {
	return logs.SetLevel(level)
}

// ConnectLogger tees log lines to a TCP collector at address.
func ConnectLogger(address string) error {
	return logs.ConnectRemote(context.Background(), address)
}

func call(command string, payload any) (string, error) {
	raw := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", apperr.Internal(err)
		}
		raw = string(encoded)
	}
	return Call(command, raw)
}

func sink(up UpStream) upstream.Sink {
	if up == nil {
		return nil
	}
	return upstream.SinkFunc(up.Send)
}
