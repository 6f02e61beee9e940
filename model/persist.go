package model

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/smilescoder/optimizations"
)

// Checkpoints are opaque gob blobs holding weights, Adam moments, and the
// vocabulary token list the model was trained against. Load refuses any
// blob whose shapes or vocabulary disagree with the requested architecture.

type denseData struct {
	R, C int
	Data []float64
}

type headData struct {
	Wq, Wk, Wv denseData
	MWq, VWq   denseData
	MWk, VWk   denseData
	MWv, VWv   denseData
}

type normData struct {
	Gamma, Beta    denseData
	MGamma, VGamma denseData
	MBeta, VBeta   denseData
	T              int
}

type blockData struct {
	Heads        []headData
	Wo, MWo, VWo denseData
	AttnT        int

	HiddenW, HiddenB   denseData
	OutputW, OutputB   denseData
	MHiddenW, VHiddenW denseData
	MHiddenB, VHiddenB denseData
	MOutputW, VOutputW denseData
	MOutputB, VOutputB denseData
	MlpT               int

	Ln1, Ln2 normData
}

type checkpointData struct {
	Cfg         Config
	VocabTokens []string

	Emb, EmbM, EmbV    denseData
	EmbT               int
	Pos, PosM, PosV    denseData
	PosT               int
	Proj, ProjM, ProjV denseData
	ProjT              int

	Blocks []blockData
}

func packDense(m *mat.Dense) denseData {
	r, c := m.Dims()
	raw := mat.DenseCopyOf(m).RawMatrix()
	return denseData{R: r, C: c, Data: append([]float64(nil), raw.Data...)}
}

func unpackDense(d denseData, wantR, wantC int, what string) (*mat.Dense, error) {
	if d.R != wantR || d.C != wantC {
		return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d",
			ErrShapeMismatch, what, d.R, d.C, wantR, wantC)
	}
	return mat.NewDense(d.R, d.C, d.Data), nil
}

// Save writes the full parameter state plus the vocabulary token list.
func Save(enc *Encoder, vocabTokens []string, path string) error {
	data := checkpointData{
		Cfg:         enc.Cfg,
		VocabTokens: append([]string(nil), vocabTokens...),
		Emb:         packDense(enc.Emb),
		EmbM:        packDense(enc.EmbM),
		EmbV:        packDense(enc.EmbV),
		EmbT:        enc.EmbT,
		Pos:         packDense(enc.Pos),
		PosM:        packDense(enc.PosM),
		PosV:        packDense(enc.PosV),
		PosT:        enc.PosT,
		Proj:        packDense(enc.Proj),
		ProjM:       packDense(enc.ProjM),
		ProjV:       packDense(enc.ProjV),
		ProjT:       enc.ProjT,
		Blocks:      make([]blockData, len(enc.Blocks)),
	}

	for i, b := range enc.Blocks {
		bd := &data.Blocks[i]
		attn := b.Attn
		bd.Heads = make([]headData, attn.H)
		for h := 0; h < attn.H; h++ {
			bd.Heads[h] = headData{
				Wq:  packDense(attn.Wquery[h]),
				Wk:  packDense(attn.Wkey[h]),
				Wv:  packDense(attn.Wvalue[h]),
				MWq: packDense(attn.MWq[h]), VWq: packDense(attn.VWq[h]),
				MWk: packDense(attn.MWk[h]), VWk: packDense(attn.VWk[h]),
				MWv: packDense(attn.MWv[h]), VWv: packDense(attn.VWv[h]),
			}
		}
		bd.Wo = packDense(attn.Woutput)
		bd.MWo = packDense(attn.MWo)
		bd.VWo = packDense(attn.VWo)
		bd.AttnT = attn.T

		mlp := b.Mlp
		bd.HiddenW = packDense(mlp.HiddenWeights)
		bd.HiddenB = packDense(mlp.HiddenBias)
		bd.OutputW = packDense(mlp.OutputWeights)
		bd.OutputB = packDense(mlp.OutputBias)
		bd.MHiddenW = packDense(mlp.MHiddenW)
		bd.VHiddenW = packDense(mlp.VHiddenW)
		bd.MHiddenB = packDense(mlp.MHiddenB)
		bd.VHiddenB = packDense(mlp.VHiddenB)
		bd.MOutputW = packDense(mlp.MOutputW)
		bd.VOutputW = packDense(mlp.VOutputW)
		bd.MOutputB = packDense(mlp.MOutputB)
		bd.VOutputB = packDense(mlp.VOutputB)
		bd.MlpT = mlp.T

		bd.Ln1 = packNorm(b.Ln1)
		bd.Ln2 = packNorm(b.Ln2)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadMeta returns the architecture and vocabulary token list a checkpoint
// was written with, for callers that need the shapes before constructing.
func ReadMeta(path string) (Config, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, err
	}
	var data checkpointData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return Config{}, nil, err
	}
	return data.Cfg, data.VocabTokens, nil
}

// Load reconstructs an encoder from a checkpoint. cfg and vocabTokens must
// match what the blob was written with: shape disagreement returns
// ErrShapeMismatch, vocabulary disagreement (token list or special ids)
// returns ErrVocabMismatch.
func Load(path string, cfg Config, vocabTokens []string, rng *rand.Rand) (*Encoder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data checkpointData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return nil, err
	}

	if data.Cfg != cfg {
		return nil, fmt.Errorf("%w: checkpoint built for %+v, want %+v",
			ErrShapeMismatch, data.Cfg, cfg)
	}
	if len(data.Blocks) != cfg.LayerCount {
		return nil, fmt.Errorf("%w: checkpoint has %d blocks, want %d",
			ErrShapeMismatch, len(data.Blocks), cfg.LayerCount)
	}
	if len(data.VocabTokens) != len(vocabTokens) {
		return nil, fmt.Errorf("%w: checkpoint vocabulary has %d tokens, want %d",
			ErrVocabMismatch, len(data.VocabTokens), len(vocabTokens))
	}
	for i, tok := range vocabTokens {
		if data.VocabTokens[i] != tok {
			return nil, fmt.Errorf("%w: token id %d is %q in checkpoint, %q in vocabulary",
				ErrVocabMismatch, i, data.VocabTokens[i], tok)
		}
	}

	enc, err := NewEncoder(cfg, len(vocabTokens), rng)
	if err != nil {
		return nil, err
	}
	d, v := cfg.EmbedWidth, len(vocabTokens)

	if enc.Emb, err = unpackDense(data.Emb, d, v, "embedding"); err != nil {
		return nil, err
	}
	if enc.EmbM, err = unpackDense(data.EmbM, d, v, "embedding moment"); err != nil {
		return nil, err
	}
	if enc.EmbV, err = unpackDense(data.EmbV, d, v, "embedding moment"); err != nil {
		return nil, err
	}
	enc.EmbT = data.EmbT
	if enc.Pos, err = unpackDense(data.Pos, d, cfg.MaxLen, "positional embedding"); err != nil {
		return nil, err
	}
	if enc.PosM, err = unpackDense(data.PosM, d, cfg.MaxLen, "positional moment"); err != nil {
		return nil, err
	}
	if enc.PosV, err = unpackDense(data.PosV, d, cfg.MaxLen, "positional moment"); err != nil {
		return nil, err
	}
	enc.PosT = data.PosT
	if enc.Proj, err = unpackDense(data.Proj, v, d, "output projection"); err != nil {
		return nil, err
	}
	if enc.ProjM, err = unpackDense(data.ProjM, v, d, "projection moment"); err != nil {
		return nil, err
	}
	if enc.ProjV, err = unpackDense(data.ProjV, v, d, "projection moment"); err != nil {
		return nil, err
	}
	enc.ProjT = data.ProjT

	dHead := d / cfg.HeadCount
	for i, bd := range data.Blocks {
		b := enc.Blocks[i]
		attn := b.Attn
		if len(bd.Heads) != attn.H {
			return nil, fmt.Errorf("%w: block %d has %d heads, want %d",
				ErrShapeMismatch, i, len(bd.Heads), attn.H)
		}
		for h, hd := range bd.Heads {
			if attn.Wquery[h], err = unpackDense(hd.Wq, dHead, d, "Wquery"); err != nil {
				return nil, err
			}
			if attn.Wkey[h], err = unpackDense(hd.Wk, dHead, d, "Wkey"); err != nil {
				return nil, err
			}
			if attn.Wvalue[h], err = unpackDense(hd.Wv, dHead, d, "Wvalue"); err != nil {
				return nil, err
			}
			attn.MWq[h], _ = unpackDense(hd.MWq, dHead, d, "MWq")
			attn.VWq[h], _ = unpackDense(hd.VWq, dHead, d, "VWq")
			attn.MWk[h], _ = unpackDense(hd.MWk, dHead, d, "MWk")
			attn.VWk[h], _ = unpackDense(hd.VWk, dHead, d, "VWk")
			attn.MWv[h], _ = unpackDense(hd.MWv, dHead, d, "MWv")
			attn.VWv[h], _ = unpackDense(hd.VWv, dHead, d, "VWv")
		}
		if attn.Woutput, err = unpackDense(bd.Wo, d, d, "Woutput"); err != nil {
			return nil, err
		}
		attn.MWo, _ = unpackDense(bd.MWo, d, d, "MWo")
		attn.VWo, _ = unpackDense(bd.VWo, d, d, "VWo")
		attn.T = bd.AttnT

		mlp := b.Mlp
		if mlp.HiddenWeights, err = unpackDense(bd.HiddenW, cfg.FFWidth, d, "hidden weights"); err != nil {
			return nil, err
		}
		if mlp.HiddenBias, err = unpackDense(bd.HiddenB, cfg.FFWidth, 1, "hidden bias"); err != nil {
			return nil, err
		}
		if mlp.OutputWeights, err = unpackDense(bd.OutputW, d, cfg.FFWidth, "output weights"); err != nil {
			return nil, err
		}
		if mlp.OutputBias, err = unpackDense(bd.OutputB, d, 1, "output bias"); err != nil {
			return nil, err
		}
		mlp.MHiddenW, _ = unpackDense(bd.MHiddenW, cfg.FFWidth, d, "MHiddenW")
		mlp.VHiddenW, _ = unpackDense(bd.VHiddenW, cfg.FFWidth, d, "VHiddenW")
		mlp.MHiddenB, _ = unpackDense(bd.MHiddenB, cfg.FFWidth, 1, "MHiddenB")
		mlp.VHiddenB, _ = unpackDense(bd.VHiddenB, cfg.FFWidth, 1, "VHiddenB")
		mlp.MOutputW, _ = unpackDense(bd.MOutputW, d, cfg.FFWidth, "MOutputW")
		mlp.VOutputW, _ = unpackDense(bd.VOutputW, d, cfg.FFWidth, "VOutputW")
		mlp.MOutputB, _ = unpackDense(bd.MOutputB, d, 1, "MOutputB")
		mlp.VOutputB, _ = unpackDense(bd.VOutputB, d, 1, "VOutputB")
		mlp.T = bd.MlpT

		if err := unpackNorm(bd.Ln1, b.Ln1, d); err != nil {
			return nil, err
		}
		if err := unpackNorm(bd.Ln2, b.Ln2, d); err != nil {
			return nil, err
		}
	}
	return enc, nil
}

func packNorm(ln *optimizations.LayerNorm) normData {
	return normData{
		Gamma:  packDense(ln.Gamma),
		Beta:   packDense(ln.Beta),
		MGamma: packDense(ln.MGamma),
		VGamma: packDense(ln.VGamma),
		MBeta:  packDense(ln.MBeta),
		VBeta:  packDense(ln.VBeta),
		T:      ln.T,
	}
}

func unpackNorm(nd normData, ln *optimizations.LayerNorm, d int) error {
	var err error
	if ln.Gamma, err = unpackDense(nd.Gamma, d, 1, "layernorm gamma"); err != nil {
		return err
	}
	if ln.Beta, err = unpackDense(nd.Beta, d, 1, "layernorm beta"); err != nil {
		return err
	}
	ln.MGamma, _ = unpackDense(nd.MGamma, d, 1, "MGamma")
	ln.VGamma, _ = unpackDense(nd.VGamma, d, 1, "VGamma")
	ln.MBeta, _ = unpackDense(nd.MBeta, d, 1, "MBeta")
	ln.VBeta, _ = unpackDense(nd.VBeta, d, 1, "VBeta")
	ln.T = nd.T
	return nil
}
