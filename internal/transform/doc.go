// Package transform converts SGP4 output into what a ground site sees.
//
// SGP4 produces positions in TEME (True Equator Mean Equinox). Rotating by
// Greenwich Mean Sidereal Time gives an Earth-fixed position (polar motion and
// the equation of the equinoxes are ignored, an error of tens of metres), and
// a South-East-Zenith rotation about the site gives azimuth and elevation.
//
// Reference: Vallado, "Fundamentals of Astrodynamics and Applications", Ch. 3-4.
package transform
