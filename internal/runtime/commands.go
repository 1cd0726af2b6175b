package runtime

import (
	"context"
	"encoding/json"
	"time"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/dapp"
	"panthalassa/go-core/internal/dispatch"
	"panthalassa/go-core/internal/identity"
	"panthalassa/go-core/internal/profile"
	"panthalassa/go-core/pkg/models"
)

type passwordPair struct {
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type mnemonicRequest struct {
	Mnemonic        string `json:"mnemonic"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type profileRequest struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	Image      string `json:"image"`
	KeyManager string `json:"key_manager"`
	Password   string `json:"password"`
}

type dappKeyRequest struct {
	SigningKey string `json:"signing_key"`
	TimeoutMS  int64  `json:"timeout_ms"`
	Context    string `json:"context"`
	Payload    string `json:"payload"`
}

type dappCallRequest struct {
	SigningKey string `json:"signing_key"`
	ID         int64  `json:"id"`
	Args       string `json:"args"`
}

type dappRespondRequest struct {
	ID        int64  `json:"id"`
	Data      string `json:"data"`
	Error     string `json:"error"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type chatRequest struct {
	Partner string `json:"partner"`
	Message string `json:"message"`
	Start   string `json:"start"`
	Amount  int    `json:"amount"`
}

type status struct {
	Started    bool        `json:"started"`
	IdentityID string      `json:"identity_id,omitempty"`
	ChatUp     bool        `json:"chat_up"`
	LogLevel   string      `json:"log_level"`
	DApps      []dapp.Info `json:"dapps,omitempty"`
}

func (r *Runtime) commands() []dispatch.Command {
	none, rt, chatSub, dappSub := dispatch.SubsystemNone, dispatch.SubsystemRuntime, dispatch.SubsystemChat, dispatch.SubsystemDApp
	return []dispatch.Command{
		{Name: "runtime.status", Requires: none, Handle: r.status},

		{Name: "account.new_keys", Requires: none, Handle: newKeys},
		{Name: "account.from_mnemonic", Requires: none, Handle: keysFromMnemonic},
		{Name: "account.validate_mnemonic", Requires: none, Handle: validateMnemonic},
		{Name: "account.eth_pub_to_address", Requires: none, Handle: ethPubToAddress},
		{Name: "account.mnemonic", Requires: rt, Handle: r.withKeys(func(k *identity.KeyManager) (any, error) { return k.Mnemonic() })},
		{Name: "account.export", Requires: rt, Handle: r.exportKeys},
		{Name: "account.identity_public_key", Requires: rt, Handle: r.withKeys(func(k *identity.KeyManager) (any, error) { return k.IdentityPublicKey(), nil })},
		{Name: "account.identity_id", Requires: rt, Handle: r.withKeys(func(k *identity.KeyManager) (any, error) { return k.IdentityID(), nil })},
		{Name: "account.chat_key", Requires: rt, Handle: r.withKeys(func(k *identity.KeyManager) (any, error) { return k.ContactKey() })},
		{Name: "account.eth_address", Requires: rt, Handle: r.withKeys(func(k *identity.KeyManager) (any, error) { return k.EthAddress() })},
		{Name: "account.eth_private_key", Requires: rt, Handle: r.withKeys(func(k *identity.KeyManager) (any, error) { return k.EthPrivateKey() })},

		{Name: "profile.sign", Requires: rt, Handle: r.signProfile},
		{Name: "profile.sign_standalone", Requires: none, Handle: r.signProfileStandalone},
		{Name: "profile.verify", Requires: none, Handle: verifyProfile},

		{Name: "contact.add", Requires: rt, Handle: r.addContact},
		{Name: "contact.list", Requires: rt, Handle: r.listContacts},
		{Name: "chat.send", Requires: chatSub, Handle: r.sendMessage},
		{Name: "chat.messages", Requires: rt, Handle: r.messages},
		{Name: "chat.mark_read", Requires: rt, Handle: r.markRead},
		{Name: "chat.all", Requires: rt, Handle: r.allChats},

		{Name: "dapp.save", Requires: rt, Handle: r.saveDApp},
		{Name: "dapp.list", Requires: rt, Handle: r.listDApps},
		{Name: "dapp.start", Requires: dappSub, Handle: r.startDApp},
		{Name: "dapp.stop", Requires: dappSub, Handle: r.stopDApp},
		{Name: "dapp.call", Requires: dappSub, Handle: r.callDApp},
		{Name: "dapp.respond", Requires: dappSub, Handle: r.respondDApp},
		{Name: "dapp.open", Requires: dappSub, Handle: r.openDApp},
		{Name: "dapp.render", Requires: dappSub, Handle: r.renderDApp},

		{Name: "log.set_level", Requires: none, Handle: r.setLogLevel},
		{Name: "log.connect", Requires: none, Handle: r.connectLog},
	}
}

func (r *Runtime) status(context.Context, json.RawMessage) (any, error) {
	out := status{LogLevel: r.logging.Level()}
	r.mu.RLock()
	s := r.current
	r.mu.RUnlock()
	if s != nil {
		out.Started = true
		out.IdentityID = s.keys.IdentityID()
		out.ChatUp = s.chatUp
		out.DApps = s.dapps.List()
	}
	return out, nil
}

// Account

func newKeys(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[passwordPair](payload)
	if err != nil {
		return nil, err
	}
	if err := identity.CheckPasswords(req.Password, req.PasswordConfirm); err != nil {
		return nil, err
	}
	keys, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	return keys.Seal(req.Password)
}

func keysFromMnemonic(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[mnemonicRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := identity.CheckPasswords(req.Password, req.PasswordConfirm); err != nil {
		return nil, err
	}
	keys, err := identity.FromMnemonic(req.Mnemonic)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	return keys.Seal(req.Password)
}

func validateMnemonic(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[mnemonicRequest](payload)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"valid": identity.ValidateMnemonic(req.Mnemonic)}, nil
}

func ethPubToAddress(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[struct {
		Pub string `json:"pub"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := dispatch.Required("pub", req.Pub); err != nil {
		return nil, err
	}
	return identity.EthPubToAddress(req.Pub)
}

func (r *Runtime) withKeys(fn func(*identity.KeyManager) (any, error)) dispatch.Handler {
	return func(context.Context, json.RawMessage) (any, error) {
		s, err := r.session()
		if err != nil {
			return nil, err
		}
		return fn(s.keys)
	}
}

// exportKeys re-seals the running key manager under a new password.
func (r *Runtime) exportKeys(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[passwordPair](payload)
	if err != nil {
		return nil, err
	}
	if err := identity.CheckPasswords(req.Password, req.PasswordConfirm); err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	return s.keys.Seal(req.Password)
}

// Profile

func (r *Runtime) signProfile(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[profileRequest](payload)
	if err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	p, err := profile.Sign(s.keys, req.Name, req.Location, req.Image, r.now())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Runtime) signProfileStandalone(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[profileRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := dispatch.Required("key_manager", req.KeyManager, "password", req.Password); err != nil {
		return nil, err
	}
	keys, err := r.seeds.Unlock(req.KeyManager, req.Password)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	p, err := profile.Sign(keys, req.Name, req.Location, req.Image, r.now())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func verifyProfile(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[struct {
		Profile string `json:"profile"`
	}](payload)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"valid": false}
	p, err := profile.Parse(req.Profile)
	if err == nil {
		err = profile.Verify(p)
	}
	if err != nil {
		result["reason"] = err.Error()
		return result, nil
	}
	id, err := p.IdentityID()
	if err != nil {
		result["reason"] = err.Error()
		return result, nil
	}
	result["valid"] = true
	result["identity_id"] = id
	return result, nil
}

// Contacts and chat

func (r *Runtime) addContact(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[struct {
		ContactKey string `json:"contact_key"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := dispatch.Required("contact_key", req.ContactKey); err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	contact, added, err := s.chat.AddContact(req.ContactKey)
	if err != nil {
		return nil, err
	}
	return struct {
		Contact models.Contact `json:"contact"`
		Added   bool           `json:"added"`
	}{contact, added}, nil
}

func (r *Runtime) listContacts(context.Context, json.RawMessage) (any, error) {
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	return s.chat.Contacts(), nil
}

func (r *Runtime) sendMessage(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[chatRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := dispatch.Required("partner", req.Partner); err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	return s.chat.Send(ctx, req.Partner, req.Message)
}

func (r *Runtime) messages(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[chatRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := dispatch.Required("partner", req.Partner); err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	return s.chat.Messages(req.Partner, req.Start, req.Amount)
}

func (r *Runtime) markRead(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[chatRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := dispatch.Required("partner", req.Partner); err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	marked, err := s.chat.MarkRead(req.Partner)
	if err != nil {
		return nil, err
	}
	return map[string]int{"marked": marked}, nil
}

func (r *Runtime) allChats(context.Context, json.RawMessage) (any, error) {
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	return s.chat.AllChats(), nil
}

// DApps

func (r *Runtime) saveDApp(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[struct {
		DApp models.DAppBundle `json:"dapp"`
	}](payload)
	if err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	return dapp.SaveBundle(s.bundles, req.DApp, r.now())
}

func (r *Runtime) listDApps(context.Context, json.RawMessage) (any, error) {
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	return struct {
		DApps    []models.DAppBundle `json:"dapps"`
		Contexts []dapp.Info         `json:"contexts"`
	}{s.bundles.List(), s.dapps.List()}, nil
}

func (r *Runtime) startDApp(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[dappKeyRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := r.StartDApp(ctx, req.SigningKey, time.Duration(req.TimeoutMS)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]string{"state": string(dapp.StateRunning)}, nil
}

func (r *Runtime) stopDApp(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[dappKeyRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := r.StopDApp(req.SigningKey); err != nil {
		return nil, err
	}
	return map[string]string{"state": string(dapp.StateStopped)}, nil
}

func (r *Runtime) callDApp(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[dappCallRequest](payload)
	if err != nil {
		return nil, err
	}
	return r.CallDAppFunction(ctx, req.SigningKey, req.ID, req.Args)
}

func (r *Runtime) respondDApp(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[dappRespondRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := r.SendResponse(req.ID, req.Data, req.Error, time.Duration(req.TimeoutMS)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]bool{"resolved": true}, nil
}

func (r *Runtime) openDApp(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[dappKeyRequest](payload)
	if err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	if err := s.dapps.Open(req.SigningKey, req.Context); err != nil {
		return nil, err
	}
	return map[string]bool{"opened": true}, nil
}

func (r *Runtime) renderDApp(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[dappKeyRequest](payload)
	if err != nil {
		return nil, err
	}
	s, err := r.session()
	if err != nil {
		return nil, err
	}
	return s.dapps.Render(ctx, req.SigningKey, req.Payload)
}

// Logging

func (r *Runtime) setLogLevel(_ context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[struct {
		Level string `json:"level"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := r.logging.SetLevel(req.Level); err != nil {
		return nil, err
	}
	return map[string]string{"level": r.logging.Level()}, nil
}

func (r *Runtime) connectLog(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[struct {
		Address string `json:"address"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := dispatch.Required("address", req.Address); err != nil {
		return nil, err
	}
	if err := r.logging.ConnectRemote(ctx, req.Address); err != nil {
		return nil, apperr.Validation("connect log collector: %v", err)
	}
	return map[string]string{"address": req.Address}, nil
}
