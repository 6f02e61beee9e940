package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/smilescoder/optimizations"
	"github.com/manningwu07/smilescoder/params"
	"github.com/manningwu07/smilescoder/utils"
)

// MLP is the position-wise feed-forward sublayer: GELU between two affine
// maps, applied to every column independently.
type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *mat.Dense
	OutputWeights, OutputBias *mat.Dense
	LearningRate              float64

	// Adam
	T                  int
	MHiddenW, VHiddenW *mat.Dense
	MHiddenB, VHiddenB *mat.Dense
	MOutputW, VOutputW *mat.Dense
	MOutputB, VOutputB *mat.Dense

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func newMLP(dModel, hidden int, init func(size int, fanIn float64) []float64) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: mat.NewDense(hidden, dModel, init(dModel*hidden, float64(dModel))),
		HiddenBias:    mat.NewDense(hidden, 1, nil),
		OutputWeights: mat.NewDense(dModel, hidden, init(hidden*dModel, float64(hidden))),
		OutputBias:    mat.NewDense(dModel, 1, nil),

		MHiddenW: mat.NewDense(hidden, dModel, nil),
		VHiddenW: mat.NewDense(hidden, dModel, nil),
		MHiddenB: mat.NewDense(hidden, 1, nil),
		VHiddenB: mat.NewDense(hidden, 1, nil),
		MOutputW: mat.NewDense(dModel, hidden, nil),
		VOutputW: mat.NewDense(dModel, hidden, nil),
		MOutputB: mat.NewDense(dModel, 1, nil),
		VOutputB: mat.NewDense(dModel, 1, nil),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights, X))
	mlp.hiddenPreAct = utils.AddBias(hiddenLin, mlp.HiddenBias)
	mlp.hiddenOutputs = utils.ToDense(utils.Apply(utils.GeluApply, mlp.hiddenPreAct))
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights, mlp.hiddenOutputs))
	return utils.AddBias(finalLin, mlp.OutputBias)
}

func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	dX, dWhid, dbHidden, dWout, dbOut := mlp.BackwardGradsOnly(grad)
	mlp.T++
	lr := mlp.LearningRate
	if params.Config.GradClip > 0 {
		utils.ClipGrads(params.Config.GradClip, dWout, dWhid, dbOut, dbHidden)
	}

	// AdamW: weight decay only on weights, not biases
	optimizations.AdamUpdateInPlace(mlp.OutputWeights, dWout, mlp.MOutputW, mlp.VOutputW,
		mlp.T, lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps,
		params.Config.WeightDecay)
	optimizations.AdamUpdateInPlace(mlp.OutputBias, dbOut, mlp.MOutputB, mlp.VOutputB, mlp.T,
		lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps, 0.0)
	optimizations.AdamUpdateInPlace(mlp.HiddenWeights, dWhid, mlp.MHiddenW, mlp.VHiddenW,
		mlp.T, lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps,
		params.Config.WeightDecay)
	optimizations.AdamUpdateInPlace(mlp.HiddenBias, dbHidden, mlp.MHiddenB, mlp.VHiddenB,
		mlp.T, lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps, 0.0)
	return dX
}

func (mlp *MLP) BackwardGradsOnly(grad *mat.Dense) (dX, dWhid, dbHidden, dWout, dbOut *mat.Dense) {
	dWout = utils.ToDense(utils.Dot(grad, mlp.hiddenOutputs.T()))
	_, T := grad.Dims()
	dbOut = mat.NewDense(mlp.Outputs, 1, nil)
	for i := 0; i < mlp.Outputs; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += grad.At(i, t)
		}
		dbOut.Set(i, 0, s)
	}

	hiddenGradOut := utils.ToDense(utils.Dot(mlp.OutputWeights.T(), grad))
	hiddenErrors := utils.ToDense(utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct)))

	dWhid = utils.ToDense(utils.Dot(hiddenErrors, mlp.lastInput.T()))
	dbHidden = mat.NewDense(mlp.Hiddens, 1, nil)
	for i := 0; i < mlp.Hiddens; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += hiddenErrors.At(i, t)
		}
		dbHidden.Set(i, 0, s)
	}

	dX = utils.ToDense(utils.Dot(mlp.HiddenWeights.T(), hiddenErrors))
	return dX, dWhid, dbHidden, dWout, dbOut
}
