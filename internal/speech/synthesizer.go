package speech

import (
	"context"
	"fmt"
)

// LocalSynthesizer exposes a LocalSession as a Synthesizer. Playback lifecycle is driven by
// the engine.
type LocalSynthesizer struct {
	session *LocalSession
}

func NewLocalSynthesizer(session *LocalSession) *LocalSynthesizer {
	return &LocalSynthesizer{session: session}
}

func (l *LocalSynthesizer) Backend() string { return BackendLocal }

func (l *LocalSynthesizer) Voices() []Voice { return l.session.Voices() }

func (l *LocalSynthesizer) OnVoicesChanged(fn func([]Voice)) func() {
	return l.session.OnVoicesChanged(fn)
}

// SelectVoice changes the voice used when a request leaves VoiceID empty.
func (l *LocalSynthesizer) SelectVoice(id string) error { return l.session.SelectVoice(id) }

func (l *LocalSynthesizer) SelectedVoice() string { return l.session.SelectedVoice() }

func (l *LocalSynthesizer) Synthesize(_ context.Context, req SynthesisRequest, lc Lifecycle) (PlaybackHandle, error) {
	u, err := l.session.Speak(req, lc)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (l *LocalSynthesizer) Stop() { l.session.Stop() }

func (l *LocalSynthesizer) Close() { l.session.Close() }

// RemoteSynthesizer exposes a RemoteSession as a Synthesizer. The returned handle is not
// played; the consumer reports playback through the controller.
type RemoteSynthesizer struct {
	session       *RemoteSession
	credentials   CredentialSource
	credentialKey string
}

func NewRemoteSynthesizer(session *RemoteSession, credentials CredentialSource, credentialKey string) *RemoteSynthesizer {
	return &RemoteSynthesizer{session: session, credentials: credentials, credentialKey: credentialKey}
}

func (r *RemoteSynthesizer) Backend() string { return BackendRemote }

func (r *RemoteSynthesizer) Voices() []Voice { return r.session.Voices() }

// OnVoicesChanged never fires; the remote catalog is fixed.
func (r *RemoteSynthesizer) OnVoicesChanged(func([]Voice)) func() { return func() {} }

func (r *RemoteSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest, _ Lifecycle) (PlaybackHandle, error) {
	return r.Prepare(req)(ctx)
}

// Prepare reserves req's place in the call order without blocking and returns the rest of
// the call. A request prepared later supersedes this one even if it finishes first.
func (r *RemoteSynthesizer) Prepare(req SynthesisRequest) func(context.Context) (PlaybackHandle, error) {
	seq := r.session.begin()
	return func(ctx context.Context) (PlaybackHandle, error) {
		credential := req.Credential
		if credential == "" && r.credentials != nil {
			value, ok, err := r.credentials.Get(ctx, r.credentialKey)
			if err != nil {
				return nil, fmt.Errorf("load credential: %w", err)
			}
			if ok {
				credential = value
			}
		}
		voiceID := req.VoiceID
		if voiceID == "" {
			voiceID = DefaultRemoteVoices()[0].ID
		}
		if err := validateRemote(req.Text, voiceID, credential); err != nil {
			return nil, err
		}
		h, err := r.session.generate(ctx, seq, req.Text, voiceID, credential)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Stop makes any call still in flight return ErrSuperseded.
func (r *RemoteSynthesizer) Stop() { r.session.Supersede() }

func (r *RemoteSynthesizer) Close() { r.session.Supersede() }
