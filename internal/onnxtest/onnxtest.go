// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxtest builds small serialized ONNX models for tests.
//
// Models are encoded field by field with protowire, following the onnx.proto field numbers.
package onnxtest

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX constants used.
const (
	elemTypeFloat = 1
	irVersion     = 8
	opsetVersion  = 13
)

// Bias is the initializer of the model built by AddRelu.
var Bias = []float32{0.5, -0.5, 1, -1}

// AddRelu returns a model computing y = Relu(x + bias), with x and y shaped [batch, 4]. The batch
// axis is dynamic. bias is an initializer (a weight of the model) with the values of Bias.
func AddRelu() []byte {
	var graph []byte
	graph = appendMessage(graph, 1, node("add", "Add", []string{"x", "bias"}, []string{"sum"}))
	graph = appendMessage(graph, 1, node("relu", "Relu", []string{"sum"}, []string{"y"}))
	graph = protowire.AppendTag(graph, 2, protowire.BytesType)
	graph = protowire.AppendString(graph, "add_relu")
	graph = appendMessage(graph, 5, floatTensor("bias", Bias, len(Bias)))
	graph = appendMessage(graph, 11, valueInfo("x", "batch", 4))
	graph = appendMessage(graph, 12, valueInfo("y", "batch", 4))

	var opset []byte
	opset = protowire.AppendTag(opset, 1, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, opsetVersion)

	var m []byte
	m = protowire.AppendTag(m, 1, protowire.VarintType)
	m = protowire.AppendVarint(m, irVersion)
	m = protowire.AppendTag(m, 2, protowire.BytesType)
	m = protowire.AppendString(m, "onnxtest")
	m = appendMessage(m, 7, graph)
	m = appendMessage(m, 8, opset)
	return m
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendStrings(b []byte, num protowire.Number, values []string) []byte {
	for _, v := range values {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

// node encodes a NodeProto.
func node(name, opType string, inputs, outputs []string) []byte {
	var b []byte
	b = appendStrings(b, 1, inputs)
	b = appendStrings(b, 2, outputs)
	b = appendStrings(b, 3, []string{name})
	b = appendStrings(b, 4, []string{opType})
	return b
}

// floatTensor encodes a TensorProto with raw little-endian data.
func floatTensor(name string, values []float32, dims ...int) []byte {
	var b []byte
	for _, dim := range dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(dim))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, elemTypeFloat)
	b = appendStrings(b, 8, []string{name})
	raw := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}

// valueInfo encodes a ValueInfoProto of a float tensor with a dynamic leading axis.
func valueInfo(name, dynamicAxis string, dims ...int) []byte {
	var shape []byte
	var dim []byte
	dim = protowire.AppendTag(dim, 2, protowire.BytesType)
	dim = protowire.AppendString(dim, dynamicAxis)
	shape = appendMessage(shape, 1, dim)
	for _, d := range dims {
		dim = dim[:0]
		dim = protowire.AppendTag(dim, 1, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		shape = appendMessage(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, elemTypeFloat)
	tensorType = appendMessage(tensorType, 2, shape)

	var typeProto []byte
	typeProto = appendMessage(typeProto, 1, tensorType)

	var b []byte
	b = appendStrings(b, 1, []string{name})
	return appendMessage(b, 2, typeProto)
}
